package keymat

import (
	"context"
	"errors"

	"github.com/iniwex5/tkm-go/pkg/crypto"
	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// AEAD 绑定到 IKE SA 句柄与方向的保护能力
// 只提供尺寸信息和转发给密钥管理器的操作，不存在取密钥的接口
type AEAD struct {
	client tkm.Client
	isa    tkm.IsaID
	dir    tkm.Direction

	keySize   int
	blockSize int
	ivSize    int
	icvSize   int
	combined  bool
}

func newAEAD(client tkm.Client, isa tkm.IsaID, dir tkm.Direction, p *ikev2.Proposal) (*AEAD, error) {
	enc, err := crypto.GetEncrypterWithKeyLen(uint16(p.Encr), int(p.EncrKeyLen))
	if err != nil {
		return nil, err
	}
	a := &AEAD{
		client:    client,
		isa:       isa,
		dir:       dir,
		blockSize: enc.BlockSize(),
		ivSize:    enc.IVSize(),
		combined:  p.IsAEAD(),
	}
	if a.combined {
		a.keySize = enc.KeySize() + enc.SaltSize()
		a.icvSize = enc.ICVSize()
		return a, nil
	}
	integ, err := crypto.GetIntegrityAlgorithm(uint16(p.Integ))
	if err != nil {
		return nil, err
	}
	a.keySize = enc.KeySize() + integ.KeySize()
	a.icvSize = integ.OutputSize()
	return a, nil
}

// KeySize 组合模式为加密密钥加盐，否则为加密密钥与完整性密钥长度之和
func (a *AEAD) KeySize() int { return a.keySize }

func (a *AEAD) BlockSize() int { return a.blockSize }

func (a *AEAD) IVSize() int { return a.ivSize }

func (a *AEAD) ICVSize() int { return a.icvSize }

func (a *AEAD) Direction() tkm.Direction { return a.dir }

func (a *AEAD) IsaID() tkm.IsaID { return a.isa }

// Encrypt 返回 IV | 密文 | ICV
func (a *AEAD) Encrypt(ctx context.Context, assoc, plain []byte) ([]byte, error) {
	return a.client.IsaEncrypt(ctx, a.isa, a.dir, assoc, plain)
}

func (a *AEAD) Decrypt(ctx context.Context, assoc, data []byte) ([]byte, error) {
	return a.client.IsaDecrypt(ctx, a.isa, a.dir, assoc, data)
}

// Sign 计算完整性校验值，组合模式不支持
func (a *AEAD) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if a.combined {
		return nil, tkm.NewError("aead_sign", tkm.ErrDerivation, errors.New("组合模式没有独立的完整性算法"))
	}
	return a.client.IsaSign(ctx, a.isa, a.dir, data)
}

func (a *AEAD) Verify(ctx context.Context, data, icv []byte) error {
	if a.combined {
		return tkm.NewError("aead_verify", tkm.ErrDerivation, errors.New("组合模式没有独立的完整性算法"))
	}
	return a.client.IsaVerify(ctx, a.isa, a.dir, data, icv)
}
