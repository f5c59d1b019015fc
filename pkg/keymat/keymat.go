package keymat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// IkeSaID IKE SA 的 SPI 对
type IkeSaID struct {
	SpiI uint64
	SpiR uint64
}

// ChildKeys 一次 Child SA 派生得到的四条延迟密钥记录
// IntegI/IntegR 是 EncrI/EncrR 的独立副本
type ChildKeys struct {
	EncrI  *tkm.EsaInfo
	IntegI *tkm.EsaInfo
	EncrR  *tkm.EsaInfo
	IntegR *tkm.EsaInfo
}

// Release 清除四条记录中的随机数副本
func (c *ChildKeys) Release() {
	for _, r := range []*tkm.EsaInfo{c.EncrI, c.IntegI, c.EncrR, c.IntegR} {
		if r != nil {
			r.Release()
		}
	}
}

type Option func(*Keymat)

func WithLogger(log *zap.Logger) Option {
	return func(k *Keymat) { k.log = log }
}

// WithRegistry 共享同一个 IKE SA 句柄分配器
func WithRegistry(r *Registry) Option {
	return func(k *Keymat) { k.registry = r }
}

// WithParent 标记为 IKE SA 重协商，派生时使用父 SA 的 SK_d
func WithParent(parent *Keymat) Option {
	return func(k *Keymat) { k.parent = parent }
}

// Keymat 一个 IKE SA 的密钥材料引擎
// 所有秘密都在密钥管理器中，这里只持有句柄
type Keymat struct {
	client   tkm.Client
	registry *Registry
	parent   *Keymat
	log      *zap.Logger

	mu        sync.Mutex
	isa       *IkeSaContext
	proposal  *ikev2.Proposal
	aeadIn    *AEAD
	aeadOut   *AEAD
	destroyed bool
}

// New 创建引擎并在密钥管理器中分配 IKE SA 句柄
func New(ctx context.Context, client tkm.Client, initiator bool, opts ...Option) (*Keymat, error) {
	k := &Keymat{client: client}
	for _, opt := range opts {
		opt(k)
	}
	k.log = logger.OrNamed(k.log, "keymat")
	if k.registry == nil {
		k.registry = NewRegistry(client, k.log)
	}

	isa, err := k.registry.Create(ctx, initiator)
	if err != nil {
		return nil, err
	}
	k.isa = isa
	return k, nil
}

func (k *Keymat) IsaID() tkm.IsaID { return k.isa.IsaID }

func (k *Keymat) Initiator() bool { return k.isa.Initiator }

// 本端发送方向使用的密钥
func (k *Keymat) outDirection() tkm.Direction {
	if k.isa.Initiator {
		return tkm.DirInitiator
	}
	return tkm.DirResponder
}

func (k *Keymat) inDirection() tkm.Direction {
	if k.isa.Initiator {
		return tkm.DirResponder
	}
	return tkm.DirInitiator
}

// DeriveIKEKeys 让密钥管理器生成 SKEYSEED 与 SK_*，返回本端发送方向的 AEAD
// sharedSecret 非空时替代 DH 共享密钥；prfHint 只在重协商时使用
// 每个上下文只能派生一次，重复调用返回 ErrDerivation
func (k *Keymat) DeriveIKEKeys(ctx context.Context, proposal *ikev2.Proposal, dh *DiffieHellman,
	nonceI, nonceR []byte, id IkeSaID, prfHint ikev2.AlgorithmType, sharedSecret []byte) (*AEAD, error) {
	const op = "derive_ike_keys"

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.released() {
		return nil, tkm.NewError(op, tkm.ErrDerivation, tkm.NewError(op, tkm.ErrStaleHandle, errors.New("IKE SA 上下文已释放")))
	}
	if k.proposal != nil {
		return nil, tkm.NewError(op, tkm.ErrDerivation, errors.New("IKE SA 密钥已派生，重协商需使用新的上下文"))
	}
	if proposal == nil {
		return nil, tkm.NewError(op, tkm.ErrDerivation, errors.New("缺少提议"))
	}

	params := tkm.IsaParams{
		Initiator:    k.isa.Initiator,
		Proposal:     proposal,
		NonceI:       nonceI,
		NonceR:       nonceR,
		SpiI:         id.SpiI,
		SpiR:         id.SpiR,
		SharedSecret: sharedSecret,
	}
	if dh != nil {
		params.DhID = dh.ID()
	}
	if k.parent != nil {
		params.ParentIsa = k.parent.IsaID()
		params.PrfHint = prfHint
	}

	// 先确定两个方向的能力对象，密钥管理器只在提议可用时持有密钥
	out, err := newAEAD(k.client, k.isa.IsaID, k.outDirection(), proposal)
	if err != nil {
		return nil, tkm.NewError(op, tkm.ErrDerivation, err)
	}
	in, err := newAEAD(k.client, k.isa.IsaID, k.inDirection(), proposal)
	if err != nil {
		return nil, tkm.NewError(op, tkm.ErrDerivation, err)
	}

	if err := k.client.IsaCreate(ctx, k.isa.IsaID, params); err != nil {
		k.log.Warn("IKE SA 密钥派生失败", zap.Stringer("isa", k.isa.IsaID), zap.Error(err))
		if errors.Is(err, tkm.ErrDerivation) {
			return nil, err
		}
		return nil, tkm.NewError(op, tkm.ErrDerivation, err)
	}
	k.proposal = proposal
	k.aeadOut = out
	k.aeadIn = in

	k.log.Debug("IKE SA 密钥已派生",
		zap.Stringer("isa", k.isa.IsaID),
		zap.Stringer("proposal", proposal),
		zap.Int("key_size", out.KeySize()))
	return out, nil
}

// released 调用方持有 mu
func (k *Keymat) released() bool {
	return k.destroyed || k.isa.released.Load()
}

// AEAD 返回指定方向的保护能力，派生之前为 nil
func (k *Keymat) AEAD(inbound bool) *AEAD {
	k.mu.Lock()
	defer k.mu.Unlock()
	if inbound {
		return k.aeadIn
	}
	return k.aeadOut
}

// DeriveChildKeys 生成 Child SA 的延迟密钥记录，不做任何密码运算
// 真实密钥在安装组件把记录交回密钥管理器时才生成
// dh 为 nil 表示不使用 PFS
// 句柄是否失效只依据本地状态判断 (Keymat.Destroy、Registry.Destroy、
// DiffieHellman.Destroy)；绕过这些对象直接重置句柄时，失效在兑现记录时才报告
func (k *Keymat) DeriveChildKeys(ctx context.Context, proposal *ikev2.Proposal, dh *DiffieHellman,
	nonceI, nonceR []byte) (*ChildKeys, error) {
	const op = "derive_child_keys"

	if proposal == nil || !proposal.HasSPI {
		return nil, tkm.NewError(op, tkm.ErrDerivation, errors.New("提议尚未携带 SPI"))
	}

	k.mu.Lock()
	destroyed := k.released()
	k.mu.Unlock()
	if destroyed {
		return nil, tkm.NewError(op, tkm.ErrDerivation, tkm.NewError(op, tkm.ErrStaleHandle, fmt.Errorf("%v 已释放", k.isa.IsaID)))
	}

	var dhID tkm.DhID
	if dh != nil {
		if err := dh.stale(); err != nil {
			return nil, tkm.NewError(op, tkm.ErrDerivation, err)
		}
		dhID = dh.ID()
	}

	encrI := &tkm.EsaInfo{
		IsaID:  k.isa.IsaID,
		DhID:   dhID,
		SpiR:   proposal.SPI,
		NonceI: bytes.Clone(nonceI),
		NonceR: bytes.Clone(nonceR),
	}
	encrR := encrI.Clone()
	encrR.IsEncrR = true

	keys := &ChildKeys{
		EncrI:  encrI,
		IntegI: encrI.Clone(),
		EncrR:  encrR,
		IntegR: encrR.Clone(),
	}

	k.log.Debug("Child SA 密钥记录已生成",
		zap.Stringer("isa", k.isa.IsaID),
		zap.Stringer("dh", dhID),
		zap.Uint32("spi_r", proposal.SPI))
	return keys, nil
}

// PskAuth 计算共享密钥认证的 AUTH 值
// verify 为 true 时计算对端应发送的值
func (k *Keymat) PskAuth(ctx context.Context, verify bool, message, nonce, id, secret []byte) ([]byte, error) {
	signer := k.outDirection()
	if verify {
		signer = k.inDirection()
	}
	return k.client.IsaAuth(ctx, k.isa.IsaID, tkm.AuthParams{
		Signer:  signer,
		Message: message,
		Nonce:   nonce,
		ID:      id,
		Secret:  secret,
	})
}

// Destroy 释放 IKE SA 句柄，已返回的 AEAD 与记录随之失效
func (k *Keymat) Destroy(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil
	}
	k.destroyed = true
	k.aeadIn = nil
	k.aeadOut = nil
	return k.registry.Destroy(ctx, k.isa)
}
