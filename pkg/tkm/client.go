package tkm

import (
	"context"
	"net"
	"time"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
)

// MaxNonceLen IKEv2 随机数最大长度 (RFC 7296 3.9)
const MaxNonceLen = 256

// Direction 选择使用哪一方的 IKE SA 密钥 (SK_ei/SK_ai 或 SK_er/SK_ar)
type Direction uint8

const (
	DirInitiator Direction = 1
	DirResponder Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirInitiator:
		return "initiator"
	case DirResponder:
		return "responder"
	default:
		return "invalid"
	}
}

// IsaParams IKE SA 密钥派生请求
type IsaParams struct {
	Initiator bool
	Proposal  *ikev2.Proposal
	DhID      DhID
	NonceI    []byte
	NonceR    []byte
	SpiI      uint64
	SpiR      uint64

	// SharedSecret 非空时替代 DH 共享密钥
	SharedSecret []byte

	// IKE SA 重协商 (RFC 7296 2.18): 使用父 SA 的 SK_d 与 PRF
	ParentIsa IsaID
	PrfHint   ikev2.AlgorithmType
}

// AuthParams 计算共享密钥认证的 AUTH 值 (RFC 7296 2.15)
// AUTH = prf(prf(Secret, "Key Pad for IKEv2"), Message | Nonce | prf(SK_px, ID))
type AuthParams struct {
	Signer  Direction // 决定使用 SK_pi 还是 SK_pr
	Message []byte    // 签名方发送的 IKE_SA_INIT 消息
	Nonce   []byte    // 对端随机数
	ID      []byte    // 签名方 ID 载荷主体
	Secret  []byte    // 预共享密钥或 EAP MSK
}

// Mode Child SA 的封装模式，零值表示使用密钥管理器的默认值
type Mode uint8

const (
	ModeDefault Mode = iota
	ModeTunnel
	ModeTransport
)

func (m Mode) String() string {
	switch m {
	case ModeTunnel:
		return "tunnel"
	case ModeTransport:
		return "transport"
	default:
		return "default"
	}
}

// SADefaults 安装请求未指定时使用的参数
type SADefaults struct {
	Mode         Mode
	ReplayWindow int
	SoftLifetime time.Duration
	HardLifetime time.Duration
}

func DefaultSADefaults() SADefaults {
	return SADefaults{
		Mode:         ModeTunnel,
		ReplayWindow: 32,
		SoftLifetime: 55 * time.Minute,
		HardLifetime: time.Hour,
	}
}

// apply 用默认值补齐请求中的零值字段
func (d SADefaults) apply(p EsaParams) EsaParams {
	if p.Mode == ModeDefault {
		p.Mode = d.Mode
	}
	if p.ReplayWindow == 0 {
		p.ReplayWindow = d.ReplayWindow
	}
	if p.SoftLifetime == 0 {
		p.SoftLifetime = d.SoftLifetime
	}
	if p.HardLifetime == 0 {
		p.HardLifetime = d.HardLifetime
	}
	return p
}

// EsaParams 兑现一条 EsaInfo 记录，把对应方向的 Child SA 安装到内核
// Mode、ReplayWindow 和生存期为零值时由密钥管理器补齐
type EsaParams struct {
	Record   []byte // EsaInfo.MarshalBinary 的输出
	Proposal *ikev2.Proposal
	SPI      uint32 // 安装到内核的 SPI
	Src      net.IP
	Dst      net.IP
	Inbound  bool
	Mode     Mode

	EncapSrcPort int // 非零时使用 ESP-in-UDP
	EncapDstPort int

	ReplayWindow int
	SoftLifetime time.Duration
	HardLifetime time.Duration
}

// Client 受信密钥管理器的请求接口
// 所有调用都是阻塞的往返，实现必须支持多个 IKE SA 并发使用
type Client interface {
	NonceCreate(ctx context.Context, length int) (NcID, []byte, error)
	NonceReset(ctx context.Context, id NcID) error

	DhCreate(ctx context.Context, group ikev2.AlgorithmType) (DhID, error)
	DhPublicValue(ctx context.Context, id DhID) ([]byte, error)
	DhSetPeer(ctx context.Context, id DhID, value []byte) error
	DhReset(ctx context.Context, id DhID) error

	IsaAllocate(ctx context.Context) (IsaID, error)
	IsaCreate(ctx context.Context, id IsaID, params IsaParams) error
	IsaReset(ctx context.Context, id IsaID) error
	IsaEncrypt(ctx context.Context, id IsaID, dir Direction, assoc, plain []byte) ([]byte, error)
	IsaDecrypt(ctx context.Context, id IsaID, dir Direction, assoc, data []byte) ([]byte, error)
	IsaSign(ctx context.Context, id IsaID, dir Direction, data []byte) ([]byte, error)
	IsaVerify(ctx context.Context, id IsaID, dir Direction, data, icv []byte) error
	IsaAuth(ctx context.Context, id IsaID, params AuthParams) ([]byte, error)

	EsaCreate(ctx context.Context, params EsaParams) (EsaID, error)
	EsaReset(ctx context.Context, id EsaID) error

	Algorithms(ctx context.Context) (ikev2.AlgorithmSet, error)
}

// SAKeys 密钥管理器交给内核的已物化 Child SA
type SAKeys struct {
	Src        net.IP
	Dst        net.IP
	SPI        uint32
	Protocol   ikev2.ProtocolID
	Inbound    bool
	Tunnel     bool
	Encr       ikev2.AlgorithmType
	EncrKeyLen uint16
	EncKey     []byte // 含盐
	Integ      ikev2.AlgorithmType
	IntegKey   []byte
	ESN        bool

	EncapSrcPort int
	EncapDstPort int

	ReplayWindow int
	SoftLifetime time.Duration
	HardLifetime time.Duration
}

// Zero 覆盖密钥字节
func (k *SAKeys) Zero() {
	clear(k.EncKey)
	clear(k.IntegKey)
}

// KernelSink 密钥管理器一侧的内核安装接口
type KernelSink interface {
	InstallSA(ctx context.Context, sa *SAKeys) error
	RemoveSA(ctx context.Context, sa *SAKeys) error
}
