package driver

import (
	"fmt"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
)

// IKEv2 算法 ID → Linux XFRM 内核算法名称的映射

// XFRMCryptAlgo 加密算法描述
type XFRMCryptAlgo struct {
	Name    string // 内核算法名称 (如 "cbc(aes)")
	KeyBits int    // 密钥位数
}

// XFRMAuthAlgo 完整性算法描述
type XFRMAuthAlgo struct {
	Name         string // 内核算法名称 (如 "hmac(sha256)")
	KeyBits      int
	TruncateBits int // ICV 位数
}

// XFRMAeadAlgo AEAD 算法描述
type XFRMAeadAlgo struct {
	Name    string // 内核算法名称 (如 "rfc4106(gcm(aes))")
	KeyBits int    // 含 salt
	ICVBits int
}

// IKEv2AlgToXFRMCrypt 仅用于非 AEAD 算法
// RFC 3686 的 CTR 模式密钥末尾带 4 字节 nonce
func IKEv2AlgToXFRMCrypt(alg ikev2.AlgorithmType, keyLenBits int) (*XFRMCryptAlgo, error) {
	if keyLenBits == 0 {
		keyLenBits = 128
	}

	switch alg {
	case ikev2.ENCR_AES_CBC:
		return &XFRMCryptAlgo{Name: "cbc(aes)", KeyBits: keyLenBits}, nil
	case ikev2.ENCR_AES_CTR:
		return &XFRMCryptAlgo{Name: "rfc3686(ctr(aes))", KeyBits: keyLenBits + 32}, nil
	case ikev2.ENCR_NULL:
		return &XFRMCryptAlgo{Name: "ecb(cipher_null)", KeyBits: 0}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM 加密算法 ID: %d", alg)
	}
}

func IKEv2AlgToXFRMAuth(alg ikev2.AlgorithmType) (*XFRMAuthAlgo, error) {
	switch alg {
	case ikev2.AUTH_HMAC_MD5_96:
		return &XFRMAuthAlgo{Name: "hmac(md5)", KeyBits: 128, TruncateBits: 96}, nil
	case ikev2.AUTH_HMAC_SHA1_96:
		return &XFRMAuthAlgo{Name: "hmac(sha1)", KeyBits: 160, TruncateBits: 96}, nil
	case ikev2.AUTH_HMAC_SHA2_256_128:
		return &XFRMAuthAlgo{Name: "hmac(sha256)", KeyBits: 256, TruncateBits: 128}, nil
	case ikev2.AUTH_HMAC_SHA2_384_192:
		return &XFRMAuthAlgo{Name: "hmac(sha384)", KeyBits: 384, TruncateBits: 192}, nil
	case ikev2.AUTH_HMAC_SHA2_512_256:
		return &XFRMAuthAlgo{Name: "hmac(sha512)", KeyBits: 512, TruncateBits: 256}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM 完整性算法 ID: %d", alg)
	}
}

// IKEv2AlgToXFRMAead keyLenBits 不含 salt；内核需要的 key = encKey | salt
func IKEv2AlgToXFRMAead(alg ikev2.AlgorithmType, keyLenBits int) (*XFRMAeadAlgo, error) {
	if keyLenBits == 0 {
		keyLenBits = 128
	}

	switch alg {
	case ikev2.ENCR_AES_GCM_8:
		return &XFRMAeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: keyLenBits + 32, ICVBits: 64}, nil
	case ikev2.ENCR_AES_GCM_12:
		return &XFRMAeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: keyLenBits + 32, ICVBits: 96}, nil
	case ikev2.ENCR_AES_GCM_16:
		return &XFRMAeadAlgo{Name: "rfc4106(gcm(aes))", KeyBits: keyLenBits + 32, ICVBits: 128}, nil
	case ikev2.ENCR_AES_CCM_8:
		return &XFRMAeadAlgo{Name: "rfc4309(ccm(aes))", KeyBits: keyLenBits + 24, ICVBits: 64}, nil
	case ikev2.ENCR_AES_CCM_12:
		return &XFRMAeadAlgo{Name: "rfc4309(ccm(aes))", KeyBits: keyLenBits + 24, ICVBits: 96}, nil
	case ikev2.ENCR_AES_CCM_16:
		return &XFRMAeadAlgo{Name: "rfc4309(ccm(aes))", KeyBits: keyLenBits + 24, ICVBits: 128}, nil
	case ikev2.ENCR_CHACHA20_POLY1305:
		// 密钥固定 256 位
		return &XFRMAeadAlgo{Name: "rfc7539esp(chacha20,poly1305)", KeyBits: 256 + 32, ICVBits: 128}, nil
	default:
		return nil, fmt.Errorf("不支持的 XFRM AEAD 算法 ID: %d", alg)
	}
}
