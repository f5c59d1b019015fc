package tkm

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/crypto"
	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/logger"
)

// Limits 每类句柄的槽位数
type Limits struct {
	Nonces int
	DHs    int
	ISAs   int
	ESAs   int
}

func DefaultLimits() Limits {
	return Limits{Nonces: 1024, DHs: 1024, ISAs: 512, ESAs: 2048}
}

// Stats 当前句柄占用与累计计数
type Stats struct {
	Nonces      int
	DHs         int
	ISAs        int
	ESAs        int
	Derivations uint64
	Installs    uint64
}

type LocalOption func(*Local)

func WithLimits(lim Limits) LocalOption {
	return func(l *Local) { l.limits = lim }
}

func WithAlgorithms(set ikev2.AlgorithmSet) LocalOption {
	return func(l *Local) { l.algs = set }
}

// WithEntropy 替换随机源 (随机数、DH 私钥、IV)
func WithEntropy(r io.Reader) LocalOption {
	return func(l *Local) { l.entropy = r }
}

// WithSADefaults 设置 Child SA 安装参数的默认值
func WithSADefaults(d SADefaults) LocalOption {
	return func(l *Local) { l.saDefaults = d }
}

func WithKernelSink(sink KernelSink) LocalOption {
	return func(l *Local) { l.sink = sink }
}

func WithLogger(log *zap.Logger) LocalOption {
	return func(l *Local) { l.log = log }
}

type dhState struct {
	mu sync.Mutex
	dh crypto.DiffieHellman
}

type isaState struct {
	mu        sync.Mutex
	initiator bool
	suite     *suite
	keys      *ikev2.IKESAKeys // 派生前为 nil
	reset     bool             // 已从句柄表移除
}

// 返回指定方向的 (加密密钥, 完整性密钥)
func (st *isaState) dirKeys(dir Direction) ([]byte, []byte, error) {
	switch dir {
	case DirInitiator:
		return st.keys.SK_ei, st.keys.SK_ai, nil
	case DirResponder:
		return st.keys.SK_er, st.keys.SK_ar, nil
	default:
		return nil, nil, fmt.Errorf("无效的方向 %d", dir)
	}
}

// Local 进程内的软件密钥管理器
// 所有秘密 (DH 私钥、共享密钥、SK_*、Child SA 密钥) 只存在于这里
type Local struct {
	limits  Limits
	algs    ikev2.AlgorithmSet
	entropy io.Reader
	sink    KernelSink
	log     *zap.Logger

	saDefaults SADefaults

	nonces *arena[[]byte]
	dhs    *arena[*dhState]
	isas   *arena[*isaState]
	esas   *arena[*SAKeys]

	derivations atomic.Uint64
	installs    atomic.Uint64
}

var _ Client = (*Local)(nil)

func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		limits:  DefaultLimits(),
		algs:    ikev2.DefaultAlgorithmSet(),
		entropy: rand.Reader,

		saDefaults: DefaultSADefaults(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logger.OrNamed(l.log, "tkm")

	l.nonces = newArena[[]byte]("nc", l.limits.Nonces)
	l.dhs = newArena[*dhState]("dh", l.limits.DHs)
	l.isas = newArena[*isaState]("isa", l.limits.ISAs)
	l.esas = newArena[*SAKeys]("esa", l.limits.ESAs)
	return l
}

func (l *Local) Stats() Stats {
	return Stats{
		Nonces:      l.nonces.count(),
		DHs:         l.dhs.count(),
		ISAs:        l.isas.count(),
		ESAs:        l.esas.count(),
		Derivations: l.derivations.Load(),
		Installs:    l.installs.Load(),
	}
}

func (l *Local) Algorithms(ctx context.Context) (ikev2.AlgorithmSet, error) {
	return l.algs, nil
}

func (l *Local) NonceCreate(ctx context.Context, length int) (NcID, []byte, error) {
	const op = "nc_create"
	if length <= 0 || length > MaxNonceLen {
		return 0, nil, NewError(op, ErrGeneration, fmt.Errorf("随机数长度 %d 超出范围 (1-%d)", length, MaxNonceLen))
	}
	value, err := crypto.RandomBytesFrom(l.entropy, length)
	if err != nil {
		return 0, nil, NewError(op, ErrGeneration, err)
	}
	id, err := l.nonces.alloc(value)
	if err != nil {
		clear(value)
		return 0, nil, NewError(op, ErrResourceExhausted, err)
	}
	return NcID(id), bytes.Clone(value), nil
}

func (l *Local) NonceReset(ctx context.Context, id NcID) error {
	value, err := l.nonces.release(uint64(id))
	if err != nil {
		return NewError("nc_reset", ErrStaleHandle, err)
	}
	clear(value)
	return nil
}

func (l *Local) DhCreate(ctx context.Context, group ikev2.AlgorithmType) (DhID, error) {
	const op = "dh_create"
	if !l.algs.SupportsGroup(group) {
		return 0, NewError(op, ErrUnsupportedGroup, fmt.Errorf("组 %d", group))
	}
	dh, err := crypto.NewDiffieHellmanFrom(l.entropy, uint16(group))
	if err != nil {
		if errors.Is(err, crypto.ErrUnsupportedGroup) {
			return 0, NewError(op, ErrUnsupportedGroup, err)
		}
		return 0, NewError(op, ErrGeneration, err)
	}
	id, err := l.dhs.alloc(&dhState{dh: dh})
	if err != nil {
		dh.Zero()
		return 0, NewError(op, ErrResourceExhausted, err)
	}
	l.log.Debug("DH 上下文已创建", zap.Stringer("dh", DhID(id)), zap.Uint16("group", uint16(group)))
	return DhID(id), nil
}

func (l *Local) DhPublicValue(ctx context.Context, id DhID) ([]byte, error) {
	st, err := l.dhs.get(uint64(id))
	if err != nil {
		return nil, NewError("dh_get_pubvalue", ErrStaleHandle, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dh.PublicKeyBytes(), nil
}

func (l *Local) DhSetPeer(ctx context.Context, id DhID, value []byte) error {
	const op = "dh_set_pubvalue"
	st, err := l.dhs.get(uint64(id))
	if err != nil {
		return NewError(op, ErrStaleHandle, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.dh.ComputeSharedSecret(value); err != nil {
		if errors.Is(err, crypto.ErrInvalidPublicKey) {
			return NewError(op, ErrInvalidPublicValue, err)
		}
		return NewError(op, ErrDerivation, err)
	}
	return nil
}

func (l *Local) DhReset(ctx context.Context, id DhID) error {
	st, err := l.dhs.release(uint64(id))
	if err != nil {
		return NewError("dh_reset", ErrStaleHandle, err)
	}
	st.mu.Lock()
	st.dh.Zero()
	st.mu.Unlock()
	return nil
}

// dhSecret 返回共享密钥副本，调用者负责清除
func (l *Local) dhSecret(id DhID) ([]byte, error) {
	st, err := l.dhs.get(uint64(id))
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	secret := st.dh.SharedKey()
	if secret == nil {
		return nil, crypto.ErrNoSharedSecret
	}
	return bytes.Clone(secret), nil
}

func (l *Local) IsaAllocate(ctx context.Context) (IsaID, error) {
	id, err := l.isas.alloc(&isaState{})
	if err != nil {
		return 0, NewError("isa_allocate", ErrResourceExhausted, err)
	}
	return IsaID(id), nil
}

func (l *Local) IsaCreate(ctx context.Context, id IsaID, p IsaParams) error {
	const op = "isa_create"
	if p.Proposal == nil || p.Proposal.Protocol != ikev2.ProtoIKE {
		return NewError(op, ErrDerivation, errors.New("需要 IKE 提议"))
	}
	if err := l.algs.Check(p.Proposal); err != nil {
		return NewError(op, ErrDerivation, err)
	}
	s, err := newSuite(p.Proposal, true)
	if err != nil {
		return NewError(op, ErrDerivation, err)
	}

	// 父 SA 在锁定本 SA 之前读取
	var parentPRF crypto.PRF
	var parentSKd []byte
	if p.ParentIsa != 0 {
		parent, err := l.isas.get(uint64(p.ParentIsa))
		if err != nil {
			return NewError(op, ErrDerivation, err)
		}
		parent.mu.Lock()
		if parent.keys != nil {
			parentPRF = parent.suite.prf
			parentSKd = bytes.Clone(parent.keys.SK_d)
		}
		parentID := ikev2.AlgorithmType(0)
		if parent.suite != nil {
			parentID = parent.suite.prfID
		}
		parent.mu.Unlock()

		if parentPRF == nil {
			return NewError(op, ErrDerivation, errors.New("父 IKE SA 尚未派生密钥"))
		}
		defer clear(parentSKd)
		if p.PrfHint != ikev2.PRF_UNDEFINED && p.PrfHint != parentID {
			return NewError(op, ErrDerivation, fmt.Errorf("PRF 提示 %d 与父 SA 的 PRF %d 不一致", p.PrfHint, parentID))
		}
	}

	var secret []byte
	if len(p.SharedSecret) > 0 {
		secret = bytes.Clone(p.SharedSecret)
	} else {
		secret, err = l.dhSecret(p.DhID)
		if err != nil {
			return NewError(op, ErrDerivation, err)
		}
	}
	defer clear(secret)

	st, err := l.isas.get(uint64(id))
	if err != nil {
		return NewError(op, ErrDerivation, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	// 派生期间句柄可能已被重置，此时不再写入密钥
	if st.reset {
		return NewError(op, ErrDerivation, NewError(op, ErrStaleHandle, fmt.Errorf("%v 已释放", id)))
	}
	if st.keys != nil {
		return NewError(op, ErrDerivation, errors.New("IKE SA 密钥已派生，重协商需使用新的上下文"))
	}

	keys, err := deriveIKEKeys(s, secret, p, parentPRF, parentSKd)
	if err != nil {
		return NewError(op, ErrDerivation, err)
	}
	st.initiator = p.Initiator
	st.suite = s
	st.keys = keys
	l.derivations.Inc()

	l.log.Debug("IKE SA 密钥已派生",
		zap.Stringer("isa", id),
		zap.Stringer("proposal", p.Proposal),
		zap.Bool("rekey", p.ParentIsa != 0))
	return nil
}

func (l *Local) IsaReset(ctx context.Context, id IsaID) error {
	st, err := l.isas.release(uint64(id))
	if err != nil {
		return NewError("isa_reset", ErrStaleHandle, err)
	}
	st.mu.Lock()
	st.reset = true
	if st.keys != nil {
		st.keys.Zero()
		st.keys = nil
	}
	st.mu.Unlock()
	return nil
}

// withKeys 在持有 SA 锁的情况下访问已派生的 IKE SA
func (l *Local) withKeys(op string, id IsaID, fn func(st *isaState) error) error {
	st, err := l.isas.get(uint64(id))
	if err != nil {
		return NewError(op, ErrStaleHandle, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.keys == nil {
		return NewError(op, ErrDerivation, errors.New("IKE SA 密钥尚未派生"))
	}
	if err := fn(st); err != nil {
		var te *Error
		if errors.As(err, &te) {
			return err
		}
		return NewError(op, ErrDerivation, err)
	}
	return nil
}

// IsaEncrypt 输出 IV | 密文 | ICV
func (l *Local) IsaEncrypt(ctx context.Context, id IsaID, dir Direction, assoc, plain []byte) ([]byte, error) {
	const op = "isa_encrypt"
	var out []byte
	err := l.withKeys(op, id, func(st *isaState) error {
		encKey, integKey, err := st.dirKeys(dir)
		if err != nil {
			return err
		}
		enc := st.suite.enc
		iv, err := crypto.RandomBytesFrom(l.entropy, enc.IVSize())
		if err != nil {
			return NewError(op, ErrGeneration, err)
		}
		ct, err := enc.Encrypt(plain, encKey, iv, assoc)
		if err != nil {
			return err
		}
		out = append(iv, ct...)
		if st.suite.integ != nil {
			icv := st.suite.integ.Compute(integKey, concat(assoc, out))
			out = append(out, icv...)
		}
		return nil
	})
	return out, err
}

func (l *Local) IsaDecrypt(ctx context.Context, id IsaID, dir Direction, assoc, data []byte) ([]byte, error) {
	var plain []byte
	err := l.withKeys("isa_decrypt", id, func(st *isaState) error {
		encKey, integKey, err := st.dirKeys(dir)
		if err != nil {
			return err
		}
		enc := st.suite.enc
		icvLen := 0
		if st.suite.integ != nil {
			icvLen = st.suite.integ.OutputSize()
		}
		if len(data) < enc.IVSize()+icvLen {
			return errors.New("密文过短")
		}
		body := data[:len(data)-icvLen]
		if icvLen > 0 {
			if !st.suite.integ.Verify(integKey, concat(assoc, body), data[len(body):]) {
				return errors.New("ICV 校验失败")
			}
		}
		plain, err = enc.Decrypt(body[enc.IVSize():], encKey, body[:enc.IVSize()], assoc)
		return err
	})
	return plain, err
}

func (l *Local) IsaSign(ctx context.Context, id IsaID, dir Direction, data []byte) ([]byte, error) {
	var icv []byte
	err := l.withKeys("isa_sign", id, func(st *isaState) error {
		if st.suite.integ == nil {
			return errors.New("组合模式没有独立的完整性密钥")
		}
		_, integKey, err := st.dirKeys(dir)
		if err != nil {
			return err
		}
		icv = st.suite.integ.Compute(integKey, data)
		return nil
	})
	return icv, err
}

func (l *Local) IsaVerify(ctx context.Context, id IsaID, dir Direction, data, icv []byte) error {
	return l.withKeys("isa_verify", id, func(st *isaState) error {
		if st.suite.integ == nil {
			return errors.New("组合模式没有独立的完整性密钥")
		}
		_, integKey, err := st.dirKeys(dir)
		if err != nil {
			return err
		}
		if !st.suite.integ.Verify(integKey, data, icv) {
			return errors.New("ICV 校验失败")
		}
		return nil
	})
}

var keyPad = []byte("Key Pad for IKEv2")

func (l *Local) IsaAuth(ctx context.Context, id IsaID, p AuthParams) ([]byte, error) {
	var auth []byte
	err := l.withKeys("isa_auth", id, func(st *isaState) error {
		if len(p.Secret) == 0 {
			return errors.New("缺少共享密钥")
		}
		var skp []byte
		switch p.Signer {
		case DirInitiator:
			skp = st.keys.SK_pi
		case DirResponder:
			skp = st.keys.SK_pr
		default:
			return fmt.Errorf("无效的方向 %d", p.Signer)
		}
		prf := st.suite.prf
		macedID := prf.Compute(skp, p.ID)
		padded := prf.Compute(p.Secret, keyPad)
		defer clear(padded)
		auth = prf.Compute(padded, p.Message, p.Nonce, macedID)
		return nil
	})
	return auth, err
}

func (l *Local) EsaCreate(ctx context.Context, p EsaParams) (EsaID, error) {
	const op = "esa_create"

	var rec EsaInfo
	if err := rec.UnmarshalBinary(p.Record); err != nil {
		return 0, NewError(op, ErrDerivation, err)
	}
	defer rec.Release()
	p = l.saDefaults.apply(p)

	if p.Proposal == nil || p.Proposal.Protocol != ikev2.ProtoESP {
		return 0, NewError(op, ErrDerivation, errors.New("需要 ESP 提议"))
	}
	if err := l.algs.Check(p.Proposal); err != nil {
		return 0, NewError(op, ErrDerivation, err)
	}
	s, err := newSuite(p.Proposal, false)
	if err != nil {
		return 0, NewError(op, ErrDerivation, err)
	}
	if l.sink == nil {
		return 0, NewError(op, ErrDerivation, errors.New("未配置内核安装接口"))
	}

	isa, err := l.isas.get(uint64(rec.IsaID))
	if err != nil {
		return 0, NewError(op, ErrStaleHandle, err)
	}
	isa.mu.Lock()
	if isa.keys == nil {
		isa.mu.Unlock()
		return 0, NewError(op, ErrDerivation, errors.New("IKE SA 密钥尚未派生"))
	}
	prf := isa.suite.prf
	skd := bytes.Clone(isa.keys.SK_d)
	isa.mu.Unlock()
	defer clear(skd)

	var dhSecret []byte
	if rec.DhID != 0 {
		if dhSecret, err = l.dhSecret(rec.DhID); err != nil {
			if errors.Is(err, ErrStaleHandle) {
				return 0, NewError(op, ErrStaleHandle, err)
			}
			return 0, NewError(op, ErrDerivation, err)
		}
		defer clear(dhSecret)
	}

	encKey, integKey, err := deriveChildKeys(prf, skd, s, dhSecret, &rec)
	if err != nil {
		return 0, NewError(op, ErrDerivation, err)
	}

	sa := &SAKeys{
		Src:          p.Src,
		Dst:          p.Dst,
		SPI:          p.SPI,
		Protocol:     p.Proposal.Protocol,
		Inbound:      p.Inbound,
		Tunnel:       p.Mode == ModeTunnel,
		Encr:         p.Proposal.Encr,
		EncrKeyLen:   p.Proposal.EncrKeyLen,
		EncKey:       encKey,
		Integ:        p.Proposal.Integ,
		IntegKey:     integKey,
		ESN:          p.Proposal.ESN,
		EncapSrcPort: p.EncapSrcPort,
		EncapDstPort: p.EncapDstPort,
		ReplayWindow: p.ReplayWindow,
		SoftLifetime: p.SoftLifetime,
		HardLifetime: p.HardLifetime,
	}
	defer sa.Zero()

	// 先占用槽位，安装失败时释放
	id, err := l.esas.alloc(sa)
	if err != nil {
		return 0, NewError(op, ErrResourceExhausted, err)
	}
	if err := l.sink.InstallSA(ctx, sa); err != nil {
		_, _ = l.esas.release(id)
		return 0, NewError(op, ErrDerivation, err)
	}
	l.installs.Inc()

	l.log.Debug("Child SA 已安装",
		zap.Stringer("esa", EsaID(id)),
		zap.Stringer("isa", rec.IsaID),
		zap.Uint32("spi", p.SPI),
		zap.Bool("inbound", p.Inbound),
		zap.Bool("encr_r", rec.IsEncrR))
	return EsaID(id), nil
}

func (l *Local) EsaReset(ctx context.Context, id EsaID) error {
	const op = "esa_reset"
	sa, err := l.esas.release(uint64(id))
	if err != nil {
		return NewError(op, ErrStaleHandle, err)
	}
	if l.sink != nil {
		if err := l.sink.RemoveSA(ctx, sa); err != nil {
			return NewError(op, ErrDerivation, err)
		}
	}
	return nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
