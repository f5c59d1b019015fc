package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/iniwex5/netlink"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

const defaultReplayWindow = 32

// xfrmHandle XFRMManager 使用的 netlink 操作
type xfrmHandle interface {
	XfrmStateAdd(state *netlink.XfrmState) error
	XfrmStateDel(state *netlink.XfrmState) error
	Close() error
}

type XFRMOption func(*XFRMManager)

// WithNetNS 在指定的命名网络命名空间中安装 SA
func WithNetNS(name string) XFRMOption {
	return func(x *XFRMManager) { x.nsName = name }
}

// WithIfid 把 SA 关联到 XFRM 接口
func WithIfid(ifid int) XFRMOption {
	return func(x *XFRMManager) { x.ifid = ifid }
}

func WithXFRMLogger(log *zap.Logger) XFRMOption {
	return func(x *XFRMManager) { x.log = log }
}

// XFRMManager 把密钥管理器兑现的 Child SA 写入 Linux XFRM 子系统
// 实现 tkm.KernelSink，密钥只经过密钥管理器进程
type XFRMManager struct {
	nsName string
	ifid   int
	log    *zap.Logger

	ns     *NetNS
	handle xfrmHandle

	mu        sync.Mutex
	installed map[saKey]*netlink.XfrmState
}

// saKey 内核中 SA 的唯一标识
type saKey struct {
	dst   string
	spi   uint32
	proto netlink.Proto
}

var (
	_ tkm.KernelSink = (*XFRMManager)(nil)
	_ xfrmHandle     = (*netlink.Handle)(nil)
)

// NewXFRMManager 创建 XFRM 管理器并打开 netlink 句柄
func NewXFRMManager(opts ...XFRMOption) (*XFRMManager, error) {
	x := &XFRMManager{installed: make(map[saKey]*netlink.XfrmState)}
	for _, opt := range opts {
		opt(x)
	}
	x.log = logger.OrNamed(x.log, "xfrm")

	var (
		h   *netlink.Handle
		err error
	)
	if x.nsName != "" {
		if x.ns, err = OpenNetNS(x.nsName); err != nil {
			return nil, err
		}
		h, err = netlink.NewHandleAt(x.ns.Handle(), syscall.NETLINK_XFRM)
	} else {
		h, err = netlink.NewHandle(syscall.NETLINK_XFRM)
	}
	if err != nil {
		if x.ns != nil {
			x.ns.Close()
		}
		return nil, fmt.Errorf("打开 XFRM netlink 句柄失败: %w", err)
	}
	x.handle = h
	return x, nil
}

func newXFRMManagerWithHandle(h xfrmHandle, opts ...XFRMOption) *XFRMManager {
	x := &XFRMManager{installed: make(map[saKey]*netlink.XfrmState), handle: h}
	for _, opt := range opts {
		opt(x)
	}
	x.log = logger.OrNamed(x.log, "xfrm")
	return x
}

func xfrmProto(p ikev2.ProtocolID) (netlink.Proto, error) {
	switch p {
	case ikev2.ProtoESP:
		return netlink.XFRM_PROTO_ESP, nil
	case ikev2.ProtoAH:
		return netlink.XFRM_PROTO_AH, nil
	default:
		return 0, fmt.Errorf("协议 %s 不能安装到 XFRM", p)
	}
}

func checkKeyLen(what string, key []byte, bits int) error {
	if len(key)*8 != bits {
		return fmt.Errorf("%s 密钥长度 %d 位，算法要求 %d 位", what, len(key)*8, bits)
	}
	return nil
}

// BuildState 把 Child SA 描述转换为 netlink.XfrmState
func BuildState(sa *tkm.SAKeys, ifid int) (*netlink.XfrmState, error) {
	proto, err := xfrmProto(sa.Protocol)
	if err != nil {
		return nil, err
	}

	mode := netlink.XFRM_MODE_TRANSPORT
	if sa.Tunnel {
		mode = netlink.XFRM_MODE_TUNNEL
	}
	replayWindow := sa.ReplayWindow
	if replayWindow <= 0 {
		replayWindow = defaultReplayWindow
	}
	dir := netlink.XFRM_SA_DIR_OUT
	if sa.Inbound {
		dir = netlink.XFRM_SA_DIR_IN
	}

	state := &netlink.XfrmState{
		Src:          sa.Src,
		Dst:          sa.Dst,
		Proto:        proto,
		Mode:         mode,
		Spi:          int(sa.SPI),
		ReplayWindow: replayWindow,
		Ifid:         ifid,
		// tunnel mode SA 需要设置 XFRM_STATE_AF_UNSPEC，允许处理任意地址族的流量
		AFUnspec: mode == netlink.XFRM_MODE_TUNNEL,
		ESN:      sa.ESN,
		SADir:    dir,
		Limits: netlink.XfrmStateLimits{
			TimeSoft: uint64(sa.SoftLifetime.Seconds()),
			TimeHard: uint64(sa.HardLifetime.Seconds()),
		},
	}

	keyBits := int(sa.EncrKeyLen)
	if ikev2.IsAEAD(sa.Encr) {
		algo, err := IKEv2AlgToXFRMAead(sa.Encr, keyBits)
		if err != nil {
			return nil, err
		}
		if err := checkKeyLen("AEAD", sa.EncKey, algo.KeyBits); err != nil {
			return nil, err
		}
		state.Aead = &netlink.XfrmStateAlgo{Name: algo.Name, Key: sa.EncKey, ICVLen: algo.ICVBits}
	} else {
		if proto == netlink.XFRM_PROTO_ESP {
			algo, err := IKEv2AlgToXFRMCrypt(sa.Encr, keyBits)
			if err != nil {
				return nil, err
			}
			if err := checkKeyLen("加密", sa.EncKey, algo.KeyBits); err != nil {
				return nil, err
			}
			state.Crypt = &netlink.XfrmStateAlgo{Name: algo.Name, Key: sa.EncKey}
		}
		algo, err := IKEv2AlgToXFRMAuth(sa.Integ)
		if err != nil {
			return nil, err
		}
		if err := checkKeyLen("完整性", sa.IntegKey, algo.KeyBits); err != nil {
			return nil, err
		}
		state.Auth = &netlink.XfrmStateAlgo{Name: algo.Name, Key: sa.IntegKey, TruncateLen: algo.TruncateBits}
	}

	// ESP-in-UDP 封装 (NAT-T)
	if sa.EncapSrcPort != 0 || sa.EncapDstPort != 0 {
		state.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: sa.EncapSrcPort,
			DstPort: sa.EncapDstPort,
		}
	}
	return state, nil
}

// InstallSA 添加 XFRM Security Association
// 内核复制密钥后，这里不再保留任何密钥字节
func (x *XFRMManager) InstallSA(ctx context.Context, sa *tkm.SAKeys) error {
	state, err := BuildState(sa, x.ifid)
	if err != nil {
		return err
	}
	if err := x.handle.XfrmStateAdd(state); err != nil {
		return fmt.Errorf("添加 XFRM SA (spi=0x%x src=%v dst=%v) 失败: %w", sa.SPI, sa.Src, sa.Dst, err)
	}

	x.mu.Lock()
	x.installed[saKey{dst: sa.Dst.String(), spi: sa.SPI, proto: state.Proto}] = &netlink.XfrmState{
		Src:   state.Src,
		Dst:   state.Dst,
		Proto: state.Proto,
		Spi:   state.Spi,
	}
	x.mu.Unlock()

	x.log.Debug("XFRM SA 已安装",
		zap.Uint32("spi", sa.SPI),
		zap.Stringer("dst", sa.Dst),
		zap.Bool("inbound", sa.Inbound))
	return nil
}

// RemoveSA 删除 XFRM SA（幂等：SA 不存在时静默返回 nil）
func (x *XFRMManager) RemoveSA(ctx context.Context, sa *tkm.SAKeys) error {
	proto, err := xfrmProto(sa.Protocol)
	if err != nil {
		return err
	}
	if err := x.delState(sa.SPI, sa.Src, sa.Dst, proto); err != nil {
		return err
	}
	x.mu.Lock()
	delete(x.installed, saKey{dst: sa.Dst.String(), spi: sa.SPI, proto: proto})
	x.mu.Unlock()
	return nil
}

func (x *XFRMManager) delState(spi uint32, src, dst net.IP, proto netlink.Proto) error {
	state := &netlink.XfrmState{Src: src, Dst: dst, Proto: proto, Spi: int(spi)}
	if err := x.handle.XfrmStateDel(state); err != nil {
		// SA 已被内核过期删除
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("删除 XFRM SA (spi=0x%x) 失败: %w", spi, err)
	}
	return nil
}

// Installed 当前由本管理器安装的 SA 数量
func (x *XFRMManager) Installed() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.installed)
}

// Cleanup 删除所有仍由本管理器安装的 SA
func (x *XFRMManager) Cleanup() error {
	x.mu.Lock()
	states := x.installed
	x.installed = make(map[saKey]*netlink.XfrmState)
	x.mu.Unlock()

	var tx Txn
	for _, st := range states {
		tx.OnRollback(func() error {
			return x.delState(uint32(st.Spi), st.Src, st.Dst, st.Proto)
		})
	}
	return tx.Rollback()
}

// Close 清理 SA 并释放 netlink 句柄
func (x *XFRMManager) Close() error {
	err := multierr.Append(x.Cleanup(), x.handle.Close())
	if x.ns != nil {
		err = multierr.Append(err, x.ns.Close())
	}
	return err
}
