package ikev2

// IKEv2 RFC 7296 常量 (仅保留密钥派生相关部分)

// 协议 ID
type ProtocolID uint8

const (
	ProtoIKE ProtocolID = 1
	ProtoAH  ProtocolID = 2
	ProtoESP ProtocolID = 3
)

func (p ProtocolID) String() string {
	switch p {
	case ProtoIKE:
		return "IKE"
	case ProtoAH:
		return "AH"
	case ProtoESP:
		return "ESP"
	default:
		return "UNKNOWN"
	}
}

type AlgorithmType uint16

// 变换类型 1 - 加密算法变换 ID
const (
	ENCR_UNDEFINED         AlgorithmType = 0
	ENCR_3DES              AlgorithmType = 3
	ENCR_NULL              AlgorithmType = 11
	ENCR_AES_CBC           AlgorithmType = 12
	ENCR_AES_CTR           AlgorithmType = 13
	ENCR_AES_CCM_8         AlgorithmType = 14
	ENCR_AES_CCM_12        AlgorithmType = 15
	ENCR_AES_CCM_16        AlgorithmType = 16
	ENCR_AES_GCM_8         AlgorithmType = 18
	ENCR_AES_GCM_12        AlgorithmType = 19
	ENCR_AES_GCM_16        AlgorithmType = 20
	ENCR_CHACHA20_POLY1305 AlgorithmType = 28
)

// 变换类型 2 - 伪随机函数变换 ID
const (
	PRF_UNDEFINED     AlgorithmType = 0
	PRF_HMAC_MD5      AlgorithmType = 1
	PRF_HMAC_SHA1     AlgorithmType = 2
	PRF_AES128_XCBC   AlgorithmType = 4
	PRF_HMAC_SHA2_256 AlgorithmType = 5
	PRF_HMAC_SHA2_384 AlgorithmType = 6
	PRF_HMAC_SHA2_512 AlgorithmType = 7
)

// 变换类型 3 - 完整性算法变换 ID
const (
	AUTH_NONE              AlgorithmType = 0
	AUTH_HMAC_MD5_96       AlgorithmType = 1
	AUTH_HMAC_SHA1_96      AlgorithmType = 2
	AUTH_AES_XCBC_96       AlgorithmType = 5
	AUTH_HMAC_SHA2_256_128 AlgorithmType = 12
	AUTH_HMAC_SHA2_384_192 AlgorithmType = 13
	AUTH_HMAC_SHA2_512_256 AlgorithmType = 14
)

// 变换类型 4 - Diffie-Hellman 组变换 ID
const (
	DH_NONE       AlgorithmType = 0
	MODP_1024_bit AlgorithmType = 2
	MODP_1536_bit AlgorithmType = 5
	MODP_2048_bit AlgorithmType = 14
	MODP_3072_bit AlgorithmType = 15
	MODP_4096_bit AlgorithmType = 16
	CURVE_25519   AlgorithmType = 31
)

// IsAEAD 判断加密算法是否为组合模式 (无需独立完整性算法)
func IsAEAD(encr AlgorithmType) bool {
	switch encr {
	case ENCR_AES_GCM_8, ENCR_AES_GCM_12, ENCR_AES_GCM_16,
		ENCR_AES_CCM_8, ENCR_AES_CCM_12, ENCR_AES_CCM_16,
		ENCR_CHACHA20_POLY1305:
		return true
	default:
		return false
	}
}
