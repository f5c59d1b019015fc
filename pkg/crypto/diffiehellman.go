package crypto

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrUnsupportedGroup = errors.New("不支持的 DH 组")
	ErrInvalidPublicKey = errors.New("无效的对端公钥")
	ErrNoSharedSecret   = errors.New("DH 共享密钥未计算")
)

// RFC 2409 / RFC 3526 模指数 (MODP) Diffie-Hellman 组
// 素数是 2^n - 2^(n-64) - 1 + 2^64 * { [2^(n-130) pi] + k }
var modpPrimes = map[uint16]string{
	2: "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF",
	5: "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF",
	14: "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF",
	15: "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33" +
		"A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864" +
		"D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E2" +
		"08E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF",
	16: "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33" +
		"A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864" +
		"D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E2" +
		"08E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D7" +
		"88719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8" +
		"DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2" +
		"233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA9" +
		"93B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF",
}

var gen2 = big.NewInt(2)

const groupCurve25519 uint16 = 31

// DiffieHellman 一次 DH 计算的本地状态
// 共享密钥只供密钥管理器内部派生使用
type DiffieHellman interface {
	Group() uint16
	PublicKeyBytes() []byte
	ComputeSharedSecret(peer []byte) ([]byte, error)
	SharedKey() []byte
	// Zero 覆盖私钥与共享密钥
	Zero()
}

// SupportedGroups 返回实现的 DH 组
func SupportedGroups() []uint16 {
	return []uint16{2, 5, 14, 15, 16, groupCurve25519}
}

// NewDiffieHellman 为指定组生成新的本地密钥对
func NewDiffieHellman(group uint16) (DiffieHellman, error) {
	return NewDiffieHellmanFrom(rand.Reader, group)
}

// NewDiffieHellmanFrom 使用指定熵源生成密钥对
func NewDiffieHellmanFrom(r io.Reader, group uint16) (DiffieHellman, error) {
	if group == groupCurve25519 {
		return newX25519(r)
	}

	hex, ok := modpPrimes[group]
	if !ok {
		return nil, ErrUnsupportedGroup
	}
	p, _ := new(big.Int).SetString(hex, 16)
	dh := &modpDH{group: group, p: p, g: gen2}
	if err := dh.generateKey(r); err != nil {
		return nil, err
	}
	return dh, nil
}

type modpDH struct {
	group      uint16
	p, g       *big.Int
	privateKey *big.Int
	publicKey  *big.Int
	sharedKey  []byte
}

func (dh *modpDH) Group() uint16 { return dh.group }

func (dh *modpDH) generateKey(r io.Reader) error {
	// 私钥取 [1, P-1] 内的随机数
	var err error
	dh.privateKey, err = rand.Int(r, dh.p)
	if err != nil {
		return err
	}
	if dh.privateKey.Sign() == 0 {
		dh.privateKey.SetInt64(1)
	}

	// 计算公钥: G^x mod P
	dh.publicKey = new(big.Int).Exp(dh.g, dh.privateKey, dh.p)
	return nil
}

func (dh *modpDH) ComputeSharedSecret(peerPubKeyBytes []byte) ([]byte, error) {
	keyLen := (dh.p.BitLen() + 7) / 8
	if len(peerPubKeyBytes) != keyLen {
		return nil, ErrInvalidPublicKey
	}
	peerPubKey := new(big.Int).SetBytes(peerPubKeyBytes)

	// 验证对端密钥: 1 < peer < P-1
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(dh.p, one)
	if peerPubKey.Cmp(one) <= 0 || peerPubKey.Cmp(pMinusOne) >= 0 {
		return nil, ErrInvalidPublicKey
	}

	// 计算 S = peer^x mod P
	secret := new(big.Int).Exp(peerPubKey, dh.privateKey, dh.p)
	dh.sharedKey = leftPad(secret.Bytes(), keyLen)
	return dh.sharedKey, nil
}

func (dh *modpDH) SharedKey() []byte { return dh.sharedKey }

func (dh *modpDH) PublicKeyBytes() []byte {
	return leftPad(dh.publicKey.Bytes(), (dh.p.BitLen()+7)/8)
}

func (dh *modpDH) Zero() {
	if dh.privateKey != nil {
		dh.privateKey.SetInt64(0)
	}
	clear(dh.sharedKey)
	dh.sharedKey = nil
}

// 左侧填充零以匹配载荷长度
func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// Curve25519 (RFC 8031)
type x25519DH struct {
	privateKey [curve25519.ScalarSize]byte
	publicKey  []byte
	sharedKey  []byte
}

func newX25519(r io.Reader) (*x25519DH, error) {
	dh := &x25519DH{}
	if _, err := io.ReadFull(r, dh.privateKey[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(dh.privateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	dh.publicKey = pub
	return dh, nil
}

func (dh *x25519DH) Group() uint16 { return groupCurve25519 }

func (dh *x25519DH) PublicKeyBytes() []byte {
	return append([]byte(nil), dh.publicKey...)
}

func (dh *x25519DH) ComputeSharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, ErrInvalidPublicKey
	}
	// 低阶点产生全零输出，X25519 返回错误
	secret, err := curve25519.X25519(dh.privateKey[:], peer)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	dh.sharedKey = secret
	return secret, nil
}

func (dh *x25519DH) SharedKey() []byte { return dh.sharedKey }

func (dh *x25519DH) Zero() {
	clear(dh.privateKey[:])
	clear(dh.sharedKey)
	dh.sharedKey = nil
}
