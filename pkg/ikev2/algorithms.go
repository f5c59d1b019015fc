package ikev2

import (
	"fmt"
)

// AlgorithmSet 描述密钥管理器能够执行的算法集合
// 派生前用它检查已协商的提议，避免在隔离区内部才失败
type AlgorithmSet struct {
	// 支持的加密算法 (按优先级排序)
	Encr []AlgorithmType
	// 支持的完整性算法
	Integ []AlgorithmType
	// 支持的 PRF 算法
	PRF []AlgorithmType
	// 支持的 DH 组
	DH []AlgorithmType
}

// DefaultAlgorithmSet 返回软件密钥管理器实现的算法
func DefaultAlgorithmSet() AlgorithmSet {
	return AlgorithmSet{
		Encr: []AlgorithmType{
			ENCR_AES_GCM_16,
			ENCR_AES_GCM_12,
			ENCR_CHACHA20_POLY1305,
			ENCR_AES_CBC,
		},
		Integ: []AlgorithmType{
			AUTH_HMAC_SHA2_512_256,
			AUTH_HMAC_SHA2_384_192,
			AUTH_HMAC_SHA2_256_128,
			AUTH_HMAC_SHA1_96,
			AUTH_HMAC_MD5_96,
		},
		PRF: []AlgorithmType{
			PRF_HMAC_SHA2_512,
			PRF_HMAC_SHA2_384,
			PRF_HMAC_SHA2_256,
			PRF_HMAC_SHA1,
			PRF_HMAC_MD5,
		},
		DH: []AlgorithmType{
			CURVE_25519,
			MODP_4096_bit,
			MODP_3072_bit,
			MODP_2048_bit,
			MODP_1536_bit,
			MODP_1024_bit,
		},
	}
}

// SupportsGroup 判断 DH 组是否已在密钥管理器中配置
func (s AlgorithmSet) SupportsGroup(group AlgorithmType) bool {
	return containsAlg(s.DH, group)
}

// Check 验证提议中的算法均受支持
// IKE SA 需要: ENCR, PRF, (非 AEAD 时 INTEG), DH
// Child SA 需要: ENCR, (非 AEAD 时 INTEG), 可选 DH (PFS)
func (s AlgorithmSet) Check(p *Proposal) error {
	if p == nil {
		return fmt.Errorf("提议为空")
	}
	if !containsAlg(s.Encr, p.Encr) {
		return fmt.Errorf("不支持的加密算法 %d", p.Encr)
	}
	if IsAEAD(p.Encr) {
		if p.Integ != AUTH_NONE {
			return fmt.Errorf("AEAD 算法 %d 不能与完整性算法 %d 组合", p.Encr, p.Integ)
		}
	} else if !containsAlg(s.Integ, p.Integ) {
		return fmt.Errorf("不支持的完整性算法 %d", p.Integ)
	}

	switch p.Protocol {
	case ProtoIKE:
		if !containsAlg(s.PRF, p.PRF) {
			return fmt.Errorf("不支持的 PRF 算法 %d", p.PRF)
		}
		if !containsAlg(s.DH, p.DH) {
			return fmt.Errorf("不支持的 DH 组 %d", p.DH)
		}
	case ProtoESP, ProtoAH:
		if p.DH != DH_NONE && !containsAlg(s.DH, p.DH) {
			return fmt.Errorf("不支持的 PFS DH 组 %d", p.DH)
		}
	default:
		return fmt.Errorf("未知的协议 %d", p.Protocol)
	}
	return nil
}

func containsAlg(list []AlgorithmType, alg AlgorithmType) bool {
	for _, a := range list {
		if a == alg {
			return true
		}
	}
	return false
}
