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

var ErrUnsupportedInteg = errors.New("不支持的完整性算法")

// IntegrityAlgorithm 完整性算法接口
type IntegrityAlgorithm interface {
	// Compute 计算 MAC
	Compute(key, data []byte) []byte
	// Verify 验证 MAC
	Verify(key, data, expectedMAC []byte) bool
	// Output 长度
	OutputSize() int
	// Key 长度
	KeySize() int
}

// truncatedHMAC 截断输出的 HMAC (RFC 4868 / RFC 2404)
type truncatedHMAC struct {
	newHash func() hash.Hash
	keySize int
	outSize int
}

func (h *truncatedHMAC) Compute(key, data []byte) []byte {
	mac := hmac.New(h.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)[:h.outSize]
}

func (h *truncatedHMAC) Verify(key, data, expectedMAC []byte) bool {
	return hmac.Equal(h.Compute(key, data), expectedMAC)
}

func (h *truncatedHMAC) OutputSize() int { return h.outSize }
func (h *truncatedHMAC) KeySize() int    { return h.keySize }

// 空完整性算法 (用于 AEAD)
type nullIntegrity struct{}

func (h *nullIntegrity) Compute(key, data []byte) []byte   { return nil }
func (h *nullIntegrity) Verify(key, data, mac []byte) bool { return len(mac) == 0 }
func (h *nullIntegrity) OutputSize() int                   { return 0 }
func (h *nullIntegrity) KeySize() int                      { return 0 }

// GetIntegrityAlgorithm 根据 ID 获取完整性算法
func GetIntegrityAlgorithm(id uint16) (IntegrityAlgorithm, error) {
	switch id {
	case 0:
		return &nullIntegrity{}, nil
	case 1: // AUTH_HMAC_MD5_96
		return &truncatedHMAC{newHash: md5.New, keySize: 16, outSize: 12}, nil
	case 2: // AUTH_HMAC_SHA1_96
		return &truncatedHMAC{newHash: sha1.New, keySize: 20, outSize: 12}, nil
	case 12: // AUTH_HMAC_SHA2_256_128
		return &truncatedHMAC{newHash: sha256.New, keySize: 32, outSize: 16}, nil
	case 13: // AUTH_HMAC_SHA2_384_192
		return &truncatedHMAC{newHash: sha512.New384, keySize: 48, outSize: 24}, nil
	case 14: // AUTH_HMAC_SHA2_512_256
		return &truncatedHMAC{newHash: sha512.New, keySize: 64, outSize: 32}, nil
	default:
		return nil, ErrUnsupportedInteg
	}
}
