package ikev2

import (
	"errors"
	"fmt"
	"strings"
)

// Proposal 已协商的算法组合 (每种变换类型至多一个)
// 对 Child SA 还携带响应方 SPI；派生过程只读取，不持有
type Proposal struct {
	Protocol   ProtocolID
	Encr       AlgorithmType
	EncrKeyLen uint16 // 位数，来自 Key Length 属性
	Integ      AlgorithmType
	PRF        AlgorithmType
	DH         AlgorithmType
	ESN        bool

	SPI    uint32
	HasSPI bool
}

// SetSPI 设置协商完成后的响应方 SPI
func (p *Proposal) SetSPI(spi uint32) {
	p.SPI = spi
	p.HasSPI = true
}

// IsAEAD 当前提议的加密算法是否为组合模式
func (p *Proposal) IsAEAD() bool {
	return IsAEAD(p.Encr)
}

func (p *Proposal) String() string {
	encr := ""
	for name, kw := range encrKeywords {
		if kw.alg == p.Encr && kw.keyLen == p.EncrKeyLen && shorterName(name, encr) {
			encr = name
		}
	}
	if encr == "" {
		encr = fmt.Sprintf("%d", p.Encr)
	}
	parts := []string{encr}
	if p.Integ != AUTH_NONE {
		parts = append(parts, lookupName(integKeywords, p.Integ))
	}
	if p.PRF != PRF_UNDEFINED {
		parts = append(parts, lookupName(prfKeywords, p.PRF))
	}
	if p.DH != DH_NONE {
		parts = append(parts, lookupName(dhKeywords, p.DH))
	}
	if p.ESN {
		parts = append(parts, "esn")
	}
	return p.Protocol.String() + ":" + strings.Join(parts, "-")
}

type encrKeyword struct {
	alg    AlgorithmType
	keyLen uint16
}

var encrKeywords = map[string]encrKeyword{
	"null":             {ENCR_NULL, 0},
	"3des":             {ENCR_3DES, 192},
	"aes128":           {ENCR_AES_CBC, 128},
	"aes192":           {ENCR_AES_CBC, 192},
	"aes256":           {ENCR_AES_CBC, 256},
	"aes128ctr":        {ENCR_AES_CTR, 128},
	"aes256ctr":        {ENCR_AES_CTR, 256},
	"aes128gcm8":       {ENCR_AES_GCM_8, 128},
	"aes128gcm12":      {ENCR_AES_GCM_12, 128},
	"aes128gcm16":      {ENCR_AES_GCM_16, 128},
	"aes128gcm":        {ENCR_AES_GCM_16, 128},
	"aes256gcm8":       {ENCR_AES_GCM_8, 256},
	"aes256gcm12":      {ENCR_AES_GCM_12, 256},
	"aes256gcm16":      {ENCR_AES_GCM_16, 256},
	"aes256gcm":        {ENCR_AES_GCM_16, 256},
	"aes128ccm16":      {ENCR_AES_CCM_16, 128},
	"aes256ccm16":      {ENCR_AES_CCM_16, 256},
	"chacha20poly1305": {ENCR_CHACHA20_POLY1305, 256},
}

var integKeywords = map[string]AlgorithmType{
	"md5":      AUTH_HMAC_MD5_96,
	"sha1":     AUTH_HMAC_SHA1_96,
	"sha":      AUTH_HMAC_SHA1_96,
	"aesxcbc":  AUTH_AES_XCBC_96,
	"sha256":   AUTH_HMAC_SHA2_256_128,
	"sha2_256": AUTH_HMAC_SHA2_256_128,
	"sha384":   AUTH_HMAC_SHA2_384_192,
	"sha2_384": AUTH_HMAC_SHA2_384_192,
	"sha512":   AUTH_HMAC_SHA2_512_256,
	"sha2_512": AUTH_HMAC_SHA2_512_256,
}

var prfKeywords = map[string]AlgorithmType{
	"prfmd5":     PRF_HMAC_MD5,
	"prfsha1":    PRF_HMAC_SHA1,
	"prfaesxcbc": PRF_AES128_XCBC,
	"prfsha256":  PRF_HMAC_SHA2_256,
	"prfsha384":  PRF_HMAC_SHA2_384,
	"prfsha512":  PRF_HMAC_SHA2_512,
}

var dhKeywords = map[string]AlgorithmType{
	"modp1024":   MODP_1024_bit,
	"modp1536":   MODP_1536_bit,
	"modp2048":   MODP_2048_bit,
	"modp3072":   MODP_3072_bit,
	"modp4096":   MODP_4096_bit,
	"curve25519": CURVE_25519,
	"x25519":     CURVE_25519,
}

// 完整性关键字在 IKE 提议中同时隐含对应的 PRF
var integToPRF = map[AlgorithmType]AlgorithmType{
	AUTH_HMAC_MD5_96:       PRF_HMAC_MD5,
	AUTH_HMAC_SHA1_96:      PRF_HMAC_SHA1,
	AUTH_AES_XCBC_96:       PRF_AES128_XCBC,
	AUTH_HMAC_SHA2_256_128: PRF_HMAC_SHA2_256,
	AUTH_HMAC_SHA2_384_192: PRF_HMAC_SHA2_384,
	AUTH_HMAC_SHA2_512_256: PRF_HMAC_SHA2_512,
}

// 多个别名时取最短的，保证输出稳定
func shorterName(name, best string) bool {
	return best == "" || len(name) < len(best) || (len(name) == len(best) && name < best)
}

func lookupName(m map[string]AlgorithmType, alg AlgorithmType) string {
	best := ""
	for name, a := range m {
		if a == alg && shorterName(name, best) {
			best = name
		}
	}
	if best == "" {
		return fmt.Sprintf("%d", alg)
	}
	return best
}

// ParseProposal 解析 strongSwan 风格的提议字符串，如 "aes256-sha512-modp4096"
func ParseProposal(proto ProtocolID, s string) (*Proposal, error) {
	if s == "" {
		return nil, errors.New("空的提议字符串")
	}

	p := &Proposal{Protocol: proto}
	encrSet := false
	for _, tok := range strings.Split(strings.ToLower(s), "-") {
		if kw, ok := encrKeywords[tok]; ok {
			if encrSet {
				return nil, fmt.Errorf("提议 %q 中有多个加密算法", s)
			}
			p.Encr = kw.alg
			p.EncrKeyLen = kw.keyLen
			encrSet = true
			continue
		}
		if alg, ok := integKeywords[tok]; ok {
			p.Integ = alg
			continue
		}
		if alg, ok := prfKeywords[tok]; ok {
			p.PRF = alg
			continue
		}
		if alg, ok := dhKeywords[tok]; ok {
			p.DH = alg
			continue
		}
		switch tok {
		case "esn":
			p.ESN = true
		case "noesn":
			p.ESN = false
		default:
			return nil, fmt.Errorf("未知的提议关键字 %q", tok)
		}
	}

	if !encrSet {
		return nil, fmt.Errorf("提议 %q 缺少加密算法", s)
	}

	if proto == ProtoIKE && p.PRF == PRF_UNDEFINED && p.Integ != AUTH_NONE {
		p.PRF = integToPRF[p.Integ]
	}
	if proto != ProtoIKE {
		// Child SA 不使用 PRF
		p.PRF = PRF_UNDEFINED
	}

	return p, nil
}

// ParseDHGroup 解析单个 DH 组关键字，如 "modp3072" 或 "curve25519"
func ParseDHGroup(name string) (AlgorithmType, error) {
	if alg, ok := dhKeywords[strings.ToLower(name)]; ok {
		return alg, nil
	}
	return DH_NONE, fmt.Errorf("未知的 DH 组 %q", name)
}
