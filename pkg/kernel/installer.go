// Package kernel 把 Child SA 的延迟密钥记录交回密钥管理器兑现
// 真实密钥由密钥管理器直接写入内核，不经过本进程
package kernel

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/driver"
	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/keymat"
	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// Options 本端对安装参数的要求
// 零值字段由密钥管理器按其 SADefaults 补齐
type Options struct {
	Mode         tkm.Mode
	ReplayWindow int
	SoftLifetime time.Duration
	HardLifetime time.Duration
}

// ChildSA 一对 Child SA 的安装请求
type ChildSA struct {
	Keys      *keymat.ChildKeys
	Proposal  *ikev2.Proposal
	Initiator bool // 本端是否为 CREATE_CHILD_SA 的发起方

	Local  net.IP
	Remote net.IP

	SpiIn  uint32 // 本端分配的 SPI，对端用它发送
	SpiOut uint32 // 对端分配的 SPI

	EncapLocalPort  int // 非零时使用 ESP-in-UDP
	EncapRemotePort int
}

// Installed 已兑现的一对 ESA 句柄
type Installed struct {
	Inbound  tkm.EsaID
	Outbound tkm.EsaID
}

// Installer 通过密钥管理器安装 Child SA
type Installer struct {
	client tkm.Client
	opts   Options
	log    *zap.Logger
}

func NewInstaller(client tkm.Client, opts Options, log *zap.Logger) *Installer {
	return &Installer{client: client, opts: opts, log: logger.OrNamed(log, "kernel")}
}

// records 按本端角色选出入站与出站记录
// 发起方发送使用发起方方向密钥，接收使用响应方方向密钥
func (c *ChildSA) records() (in, out *tkm.EsaInfo) {
	if c.Initiator {
		return c.Keys.EncrR, c.Keys.EncrI
	}
	return c.Keys.EncrI, c.Keys.EncrR
}

func (i *Installer) params(c *ChildSA, rec *tkm.EsaInfo, inbound bool) (tkm.EsaParams, error) {
	raw, err := rec.MarshalBinary()
	if err != nil {
		return tkm.EsaParams{}, err
	}
	p := tkm.EsaParams{
		Record:       raw,
		Proposal:     c.Proposal,
		Inbound:      inbound,
		Mode:         i.opts.Mode,
		ReplayWindow: i.opts.ReplayWindow,
		SoftLifetime: i.opts.SoftLifetime,
		HardLifetime: i.opts.HardLifetime,
	}
	if inbound {
		p.SPI, p.Src, p.Dst = c.SpiIn, c.Remote, c.Local
		p.EncapSrcPort, p.EncapDstPort = c.EncapRemotePort, c.EncapLocalPort
	} else {
		p.SPI, p.Src, p.Dst = c.SpiOut, c.Local, c.Remote
		p.EncapSrcPort, p.EncapDstPort = c.EncapLocalPort, c.EncapRemotePort
	}
	return p, nil
}

// AddChildSA 兑现入站与出站记录；任一失败时撤销已安装的部分
func (i *Installer) AddChildSA(ctx context.Context, c *ChildSA) (*Installed, error) {
	if c.Keys == nil || c.Keys.EncrI == nil || c.Keys.EncrR == nil {
		return nil, tkm.NewError("add_child_sa", tkm.ErrDerivation, fmt.Errorf("缺少密钥记录"))
	}
	in, out := c.records()

	var tx driver.Txn
	result := &Installed{}

	for _, leg := range []struct {
		rec     *tkm.EsaInfo
		inbound bool
		id      *tkm.EsaID
	}{
		{in, true, &result.Inbound},
		{out, false, &result.Outbound},
	} {
		p, err := i.params(c, leg.rec, leg.inbound)
		if err != nil {
			return nil, i.abort(&tx, tkm.NewError("add_child_sa", tkm.ErrDerivation, err))
		}
		id, err := i.client.EsaCreate(ctx, p)
		if err != nil {
			return nil, i.abort(&tx, err)
		}
		*leg.id = id
		tx.OnRollback(func() error { return i.client.EsaReset(ctx, id) })
	}
	tx.Commit()

	i.log.Info("Child SA 已安装",
		zap.Uint32("spi_in", c.SpiIn),
		zap.Uint32("spi_out", c.SpiOut),
		zap.Stringer("proposal", c.Proposal),
		zap.Stringer("esa_in", result.Inbound),
		zap.Stringer("esa_out", result.Outbound))
	return result, nil
}

func (i *Installer) abort(tx *driver.Txn, err error) error {
	if rerr := tx.Rollback(); rerr != nil {
		i.log.Error("Child SA 回滚失败", zap.Error(rerr))
		return fmt.Errorf("%w (回滚: %v)", err, rerr)
	}
	return err
}

// DelChildSA 重置两个 ESA 句柄，密钥管理器随之删除内核 SA
func (i *Installer) DelChildSA(ctx context.Context, sa *Installed) error {
	err := multierr.Combine(
		i.client.EsaReset(ctx, sa.Inbound),
		i.client.EsaReset(ctx, sa.Outbound),
	)
	if err == nil {
		i.log.Info("Child SA 已删除", zap.Stringer("esa_in", sa.Inbound), zap.Stringer("esa_out", sa.Outbound))
	}
	return err
}
