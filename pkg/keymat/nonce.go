package keymat

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/atomic"

	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// NonceGen 从密钥管理器获取随机数
type NonceGen struct {
	client tkm.Client
}

func NewNonceGen(client tkm.Client) *NonceGen {
	return &NonceGen{client: client}
}

// Nonce 调用者持有的随机数，必须调用一次 Release
type Nonce struct {
	client   tkm.Client
	id       tkm.NcID
	value    []byte
	released atomic.Bool
}

// Generate 生成指定长度的随机数
func (g *NonceGen) Generate(ctx context.Context, length int) (*Nonce, error) {
	if length <= 0 {
		return nil, tkm.NewError("nonce_generate", tkm.ErrGeneration, errors.New("随机数长度为 0"))
	}
	id, value, err := g.client.NonceCreate(ctx, length)
	if err != nil {
		return nil, err
	}
	return &Nonce{client: g.client, id: id, value: value}, nil
}

func (n *Nonce) ID() tkm.NcID { return n.id }

// Bytes 返回随机数内容，Release 之后为 nil
func (n *Nonce) Bytes() []byte { return n.value }

func (n *Nonce) Len() int { return len(n.value) }

// Copy 返回独立副本
func (n *Nonce) Copy() []byte { return bytes.Clone(n.value) }

// Release 清除随机数并释放句柄，重复调用无效果
func (n *Nonce) Release(ctx context.Context) error {
	if !n.released.CompareAndSwap(false, true) {
		return nil
	}
	clear(n.value)
	n.value = nil
	return n.client.NonceReset(ctx, n.id)
}
