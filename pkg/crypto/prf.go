package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
)

var ErrUnsupportedPRF = errors.New("不支持的 PRF ID")

// PRF (伪随机函数) 接口
type PRF interface {
	Hash() hash.Hash
	// KeyLen 首选密钥长度，等于输出长度 (RFC 7296 2.13)
	KeyLen() int
	// Compute 计算 prf(key, data...)
	Compute(key []byte, data ...[]byte) []byte
}

type hmacPRF struct {
	newHash func() hash.Hash
	keyLen  int
}

func (h *hmacPRF) Hash() hash.Hash { return h.newHash() }

func (h *hmacPRF) KeyLen() int { return h.keyLen }

func (h *hmacPRF) Compute(key []byte, data ...[]byte) []byte {
	mac := hmac.New(h.newHash, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

var (
	PRF_HMAC_MD5      PRF = &hmacPRF{newHash: md5.New, keyLen: 16}
	PRF_HMAC_SHA1     PRF = &hmacPRF{newHash: sha1.New, keyLen: 20}
	PRF_HMAC_SHA2_256 PRF = &hmacPRF{newHash: sha256.New, keyLen: 32}
	PRF_HMAC_SHA2_384 PRF = &hmacPRF{newHash: sha512.New384, keyLen: 48}
	PRF_HMAC_SHA2_512 PRF = &hmacPRF{newHash: sha512.New, keyLen: 64}
)

// RFC 7296 2.13 节. 生成密钥材料
// prf+ (K,S) = T1 | T2 | T3 | T4 | ...
// T1 = prf (K, S | 0x01)
// Tn = prf (K, Tn-1 | S | n)
func PrfPlus(prf PRF, key []byte, seed []byte, totalBytes int) ([]byte, error) {
	result := make([]byte, 0, totalBytes+prf.KeyLen())
	var lastBlock []byte

	for blockIndex := 1; len(result) < totalBytes; blockIndex++ {
		if blockIndex > 255 {
			return nil, errors.New("PRF+ 溢出: 块太多")
		}
		lastBlock = prf.Compute(key, lastBlock, seed, []byte{byte(blockIndex)})
		result = append(result, lastBlock...)
	}

	clear(result[totalBytes:])
	return result[:totalBytes], nil
}

// GetPRF 按变换 ID 获取 PRF
func GetPRF(id uint16) (PRF, error) {
	switch id {
	case 1:
		return PRF_HMAC_MD5, nil
	case 2:
		return PRF_HMAC_SHA1, nil
	case 5:
		return PRF_HMAC_SHA2_256, nil
	case 6:
		return PRF_HMAC_SHA2_384, nil
	case 7:
		return PRF_HMAC_SHA2_512, nil
	default:
		return nil, ErrUnsupportedPRF
	}
}
