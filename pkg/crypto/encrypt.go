package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrUnsupportedEncr = errors.New("不支持的加密算法")

// 加密接口
type Encrypter interface {
	Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error)
	Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error)
	IVSize() int
	BlockSize() int
	KeySize() int  // 返回密钥长度 (不含盐)
	SaltSize() int // 派生时附加在密钥后的盐长度
	ICVSize() int  // 组合模式的认证标签长度，非 AEAD 为 0
}

// AES-CBC
type aesCBC struct {
	keySize int
}

func (e *aesCBC) IVSize() int    { return aes.BlockSize }
func (e *aesCBC) BlockSize() int { return aes.BlockSize }
func (e *aesCBC) KeySize() int   { return e.keySize }
func (e *aesCBC) SaltSize() int  { return 0 }
func (e *aesCBC) ICVSize() int   { return 0 }

func (e *aesCBC) Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// 填充由调用者处理 (IKE/ESP 填充格式不同)
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.New("明文未对齐块")
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

func (e *aesCBC) Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("密文未对齐块")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// 组合模式公共部分: 密钥结构 [密钥 | 盐 (4 字节)]，nonce = 盐 + 8 字节 IV
type saltedAEAD struct {
	keySize int
	icvSize int
	newAEAD func(key []byte, icvSize int) (cipher.AEAD, error)
}

func (e *saltedAEAD) IVSize() int    { return 8 }
func (e *saltedAEAD) BlockSize() int { return 1 }
func (e *saltedAEAD) KeySize() int   { return e.keySize }
func (e *saltedAEAD) SaltSize() int  { return 4 }
func (e *saltedAEAD) ICVSize() int   { return e.icvSize }

func (e *saltedAEAD) open(key, iv []byte) (cipher.AEAD, []byte, error) {
	if len(key) != e.keySize+4 {
		return nil, nil, errors.New("AEAD 密钥长度错误")
	}
	if len(iv) != 8 {
		return nil, nil, errors.New("AEAD IV 长度错误")
	}
	aead, err := e.newAEAD(key[:e.keySize], e.icvSize)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, 0, 12)
	nonce = append(nonce, key[e.keySize:]...)
	nonce = append(nonce, iv...)
	return aead, nonce, nil
}

func (e *saltedAEAD) Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	aead, nonce, err := e.open(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (e *saltedAEAD) Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	aead, nonce, err := e.open(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

func newGCM(key []byte, icvSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, icvSize)
}

func newChaCha20Poly1305(key []byte, _ int) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// 工厂函数
func GetEncrypter(id uint16) (Encrypter, error) {
	return GetEncrypterWithKeyLen(id, 0)
}

func GetEncrypterWithKeyLen(id uint16, keyLenBits int) (Encrypter, error) {
	keySize := 16
	if keyLenBits != 0 {
		if keyLenBits%8 != 0 {
			return nil, errors.New("无效的密钥长度")
		}
		keySize = keyLenBits / 8
	}

	switch id {
	case 12: // ENCR_AES_CBC
		if keySize != 16 && keySize != 24 && keySize != 32 {
			return nil, errors.New("无效的 AES 密钥长度")
		}
		return &aesCBC{keySize: keySize}, nil
	case 19, 20: // ENCR_AES_GCM_12/16 (GCM_8 的 64 位标签标准库不支持)
		if keySize != 16 && keySize != 24 && keySize != 32 {
			return nil, errors.New("无效的 AES 密钥长度")
		}
		icv := 16
		if id == 19 {
			icv = 12
		}
		return &saltedAEAD{keySize: keySize, icvSize: icv, newAEAD: newGCM}, nil
	case 28: // ENCR_CHACHA20_POLY1305 (RFC 7634)
		return &saltedAEAD{keySize: chacha20poly1305.KeySize, icvSize: chacha20poly1305.Overhead, newAEAD: newChaCha20Poly1305}, nil
	default:
		return nil, ErrUnsupportedEncr
	}
}

// 随机数生成
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom 从指定熵源读取 n 字节
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("随机数长度必须大于零")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
