package keymat

import (
	"context"

	"go.uber.org/atomic"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// DiffieHellman 密钥管理器中的一次 DH 交换
// 本地只保存句柄，共享密钥留在密钥管理器内，由后续派生按句柄引用
type DiffieHellman struct {
	client    tkm.Client
	id        tkm.DhID
	group     ikev2.AlgorithmType
	destroyed atomic.Bool
}

// NewDiffieHellman 在密钥管理器中创建 DH 上下文
func NewDiffieHellman(ctx context.Context, client tkm.Client, group ikev2.AlgorithmType) (*DiffieHellman, error) {
	id, err := client.DhCreate(ctx, group)
	if err != nil {
		return nil, err
	}
	return &DiffieHellman{client: client, id: id, group: group}, nil
}

func (d *DiffieHellman) ID() tkm.DhID { return d.id }

func (d *DiffieHellman) Group() ikev2.AlgorithmType { return d.group }

// PublicValue 返回发送给对端的本地公开值
func (d *DiffieHellman) PublicValue(ctx context.Context) ([]byte, error) {
	return d.client.DhPublicValue(ctx, d.id)
}

// SetPeerPublicValue 登记对端公开值，密钥管理器随即计算共享密钥
func (d *DiffieHellman) SetPeerPublicValue(ctx context.Context, value []byte) error {
	return d.client.DhSetPeer(ctx, d.id, value)
}

// Destroy 释放句柄，之后引用它的派生都会失败
func (d *DiffieHellman) Destroy(ctx context.Context) error {
	if !d.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	return d.client.DhReset(ctx, d.id)
}

// stale 本地已知句柄失效时返回错误
func (d *DiffieHellman) stale() error {
	if d.destroyed.Load() {
		return tkm.NewError("dh", tkm.ErrStaleHandle, nil)
	}
	return nil
}
