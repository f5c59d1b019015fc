package keymat

import (
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/iniwex5/tkm-go/pkg/logger"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// IkeSaContext 一个 IKE SA 在密钥管理器中的锚点
type IkeSaContext struct {
	IsaID     tkm.IsaID
	Initiator bool

	released atomic.Bool
}

// Released 句柄是否已经通过 Registry.Destroy 释放
func (c *IkeSaContext) Released() bool {
	return c.released.Load()
}

// Registry 分配与释放 IKE SA 句柄
type Registry struct {
	client tkm.Client
	log    *zap.Logger
}

func NewRegistry(client tkm.Client, log *zap.Logger) *Registry {
	return &Registry{client: client, log: logger.OrNamed(log, "isa")}
}

// Create 为新的 IKE SA 分配句柄，槽位耗尽时返回 ErrResourceExhausted
func (r *Registry) Create(ctx context.Context, initiator bool) (*IkeSaContext, error) {
	id, err := r.client.IsaAllocate(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Debug("IKE SA 上下文已分配", zap.Stringer("isa", id), zap.Bool("initiator", initiator))
	return &IkeSaContext{IsaID: id, Initiator: initiator}, nil
}

// Destroy 释放句柄，仍引用它的 AEAD 与 EsaInfo 记录随之失效
// 重复释放直接返回
func (r *Registry) Destroy(ctx context.Context, isa *IkeSaContext) error {
	if isa.released.Load() {
		return nil
	}
	if err := r.client.IsaReset(ctx, isa.IsaID); err != nil {
		return err
	}
	isa.released.Store(true)
	r.log.Debug("IKE SA 上下文已释放", zap.Stringer("isa", isa.IsaID))
	return nil
}
