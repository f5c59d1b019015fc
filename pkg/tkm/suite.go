package tkm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/iniwex5/tkm-go/pkg/crypto"
	"github.com/iniwex5/tkm-go/pkg/ikev2"
)

// suite 已协商提议对应的算法实现
type suite struct {
	prfID ikev2.AlgorithmType
	prf   crypto.PRF
	enc   crypto.Encrypter
	integ crypto.IntegrityAlgorithm // AEAD 时为 nil
}

func newSuite(p *ikev2.Proposal, needPRF bool) (*suite, error) {
	s := &suite{prfID: p.PRF}

	var err error
	s.enc, err = crypto.GetEncrypterWithKeyLen(uint16(p.Encr), int(p.EncrKeyLen))
	if err != nil {
		return nil, err
	}
	if !p.IsAEAD() {
		if s.integ, err = crypto.GetIntegrityAlgorithm(uint16(p.Integ)); err != nil {
			return nil, err
		}
	}
	if needPRF {
		if s.prf, err = crypto.GetPRF(uint16(p.PRF)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// 派生时加密密钥长度包含盐
func (s *suite) encKeyLen() int {
	return s.enc.KeySize() + s.enc.SaltSize()
}

func (s *suite) integKeyLen() int {
	if s.integ == nil {
		return 0
	}
	return s.integ.KeySize()
}

// deriveIKEKeys 根据 RFC 7296 2.14 (或 2.18 重协商) 生成 IKE SA 密钥
// parentPRF/parentSKd 为空表示初次派生
func deriveIKEKeys(s *suite, secret []byte, p IsaParams, parentPRF crypto.PRF, parentSKd []byte) (*ikev2.IKESAKeys, error) {
	nonces := append(bytes.Clone(p.NonceI), p.NonceR...)

	var skeyseed []byte
	if parentPRF != nil {
		// SKEYSEED = prf(SK_d (old), g^ir (new) | Ni | Nr)
		skeyseed = parentPRF.Compute(parentSKd, secret, nonces)
	} else {
		// SKEYSEED = prf(Ni | Nr, g^ir)
		skeyseed = s.prf.Compute(nonces, secret)
	}
	defer clear(skeyseed)

	prfKeyLen := s.prf.KeyLen()
	encKeyLen := s.encKeyLen()
	integKeyLen := s.integKeyLen()

	totalLen := prfKeyLen*3 + integKeyLen*2 + encKeyLen*2 // SK_d, SK_pi, SK_pr / SK_ai, SK_ar / SK_ei, SK_er

	// {SK_d | SK_ai | SK_ar | SK_ei | SK_er | SK_pi | SK_pr} = prf+ (SKEYSEED, Ni | Nr | SPIi | SPIr)
	seed := binary.BigEndian.AppendUint64(nonces, p.SpiI)
	seed = binary.BigEndian.AppendUint64(seed, p.SpiR)

	keyMat, err := crypto.PrfPlus(s.prf, skeyseed, seed, totalLen)
	if err != nil {
		return nil, err
	}

	keys := &ikev2.IKESAKeys{}
	cursor := 0
	next := func(n int) []byte {
		b := keyMat[cursor : cursor+n : cursor+n]
		cursor += n
		return b
	}

	keys.SK_d = next(prfKeyLen)
	if integKeyLen > 0 {
		keys.SK_ai = next(integKeyLen)
		keys.SK_ar = next(integKeyLen)
	}
	keys.SK_ei = next(encKeyLen)
	keys.SK_er = next(encKeyLen)
	keys.SK_pi = next(prfKeyLen)
	keys.SK_pr = next(prfKeyLen)

	return keys, nil
}

// deriveChildKeys 根据 RFC 7296 2.17 生成一个方向的 Child SA 密钥
// KEYMAT = prf+ (SK_d, [g^ir (new)] | Ni | Nr)，先发起方到响应方，再响应方到发起方
func deriveChildKeys(prf crypto.PRF, skd []byte, s *suite, dhSecret []byte, rec *EsaInfo) (encKey, integKey []byte, err error) {
	if len(rec.NonceI) == 0 || len(rec.NonceR) == 0 {
		return nil, nil, errors.New("记录缺少随机数")
	}

	seed := make([]byte, 0, len(dhSecret)+len(rec.NonceI)+len(rec.NonceR))
	seed = append(seed, dhSecret...)
	seed = append(seed, rec.NonceI...)
	seed = append(seed, rec.NonceR...)
	defer clear(seed)

	encLen := s.encKeyLen()
	integLen := s.integKeyLen()
	keyMat, err := crypto.PrfPlus(prf, skd, seed, 2*(encLen+integLen))
	if err != nil {
		return nil, nil, fmt.Errorf("KEYMAT 生成失败: %w", err)
	}
	keys := &ikev2.ChildSAKeys{
		SK_ei: keyMat[:encLen],
		SK_ai: keyMat[encLen : encLen+integLen],
		SK_er: keyMat[encLen+integLen : 2*encLen+integLen],
		SK_ar: keyMat[2*encLen+integLen:],
	}
	defer keys.Zero()

	enc, integ := keys.SK_ei, keys.SK_ai
	if rec.IsEncrR {
		enc, integ = keys.SK_er, keys.SK_ar
	}
	encKey = bytes.Clone(enc)
	if integLen > 0 {
		integKey = bytes.Clone(integ)
	}
	return encKey, integKey, nil
}
