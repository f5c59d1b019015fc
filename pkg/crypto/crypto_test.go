package crypto

import (
	"bytes"
	"testing"
)

// TestPrfPlus 测试 PRF+ 密钥派生函数
func TestPrfPlus(t *testing.T) {
	prf := PRF_HMAC_SHA2_256
	key := []byte("test-key-1234567890")
	seed := []byte("test-seed-data")

	// 生成 64 字节
	result, err := PrfPlus(prf, key, seed, 64)
	if err != nil {
		t.Fatalf("PrfPlus 失败: %v", err)
	}

	if len(result) != 64 {
		t.Errorf("结果长度错误: got %d, want 64", len(result))
	}

	// 再次生成，结果应该相同
	result2, err := PrfPlus(prf, key, seed, 64)
	if err != nil {
		t.Fatalf("PrfPlus 第二次调用失败: %v", err)
	}

	if !bytes.Equal(result, result2) {
		t.Error("相同输入的 PrfPlus 结果不一致")
	}

	// 前缀一致: 较短的输出是较长输出的前缀
	short, err := PrfPlus(prf, key, seed, 20)
	if err != nil {
		t.Fatalf("PrfPlus 失败: %v", err)
	}
	if !bytes.Equal(short, result[:20]) {
		t.Error("PrfPlus 输出不是前缀一致的")
	}

	if _, err := PrfPlus(prf, key, seed, 256*32); err == nil {
		t.Error("超过 255 块应当失败")
	}
}

// TestAESGCMEncryptDecrypt 测试 AES-GCM 加解密
func TestAESGCMEncryptDecrypt(t *testing.T) {
	enc, err := GetEncrypter(20) // ENCR_AES_GCM_16
	if err != nil {
		t.Fatalf("获取加密器失败: %v", err)
	}

	// Key: 16 bytes + 4 bytes salt = 20 bytes
	key := []byte("1234567890123456salt")
	plaintext := []byte("Hello, IKEv2 World!")
	aad := []byte("additional-auth-data")

	// 生成 IV
	iv, err := RandomBytes(enc.IVSize())
	if err != nil {
		t.Fatalf("生成 IV 失败: %v", err)
	}

	// 加密
	ciphertext, err := enc.Encrypt(plaintext, key, iv, aad)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	// 解密
	decrypted, err := enc.Decrypt(ciphertext, key, iv, aad)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Errorf("解密结果不匹配: got %s, want %s", decrypted, plaintext)
	}
}

// TestAESCBCEncryptDecrypt 测试 AES-CBC 加解密
func TestAESCBCEncryptDecrypt(t *testing.T) {
	enc, err := GetEncrypter(12) // ENCR_AES_CBC
	if err != nil {
		t.Fatalf("获取加密器失败: %v", err)
	}

	key := []byte("1234567890123456") // 16 bytes
	// 明文必须是块对齐的 (16 bytes)
	plaintext := []byte("HelloIKEv2World!")

	iv, err := RandomBytes(enc.IVSize())
	if err != nil {
		t.Fatalf("生成 IV 失败: %v", err)
	}

	// 加密
	ciphertext, err := enc.Encrypt(plaintext, key, iv, nil)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	// 解密
	decrypted, err := enc.Decrypt(ciphertext, key, iv, nil)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Errorf("解密结果不匹配: got %s, want %s", decrypted, plaintext)
	}
}

// TestRandomBytes 测试随机字节生成
func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes 失败: %v", err)
	}

	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes 第二次调用失败: %v", err)
	}

	if bytes.Equal(b1, b2) {
		t.Error("两次 RandomBytes 调用不应返回相同的结果")
	}

	if len(b1) != 32 {
		t.Errorf("长度错误: got %d, want 32", len(b1))
	}
}

// TestChaCha20Poly1305EncryptDecrypt 测试 ChaCha20-Poly1305 加解密
func TestChaCha20Poly1305EncryptDecrypt(t *testing.T) {
	enc, err := GetEncrypter(28)
	if err != nil {
		t.Fatalf("获取加密器失败: %v", err)
	}
	if enc.KeySize() != 32 || enc.SaltSize() != 4 || enc.ICVSize() != 16 {
		t.Fatalf("参数错误: key=%d salt=%d icv=%d", enc.KeySize(), enc.SaltSize(), enc.ICVSize())
	}

	key, _ := RandomBytes(enc.KeySize() + enc.SaltSize())
	iv, _ := RandomBytes(enc.IVSize())
	ct, err := enc.Encrypt([]byte("payload"), key, iv, []byte("hdr"))
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if _, err := enc.Decrypt(ct, key, iv, []byte("other")); err == nil {
		t.Fatal("AAD 不同应当解密失败")
	}
}

// TestIntegrityKeySizes 测试完整性算法的密钥与输出长度
func TestIntegrityKeySizes(t *testing.T) {
	cases := []struct {
		id      uint16
		keySize int
		outSize int
	}{
		{2, 20, 12},
		{12, 32, 16},
		{13, 48, 24},
		{14, 64, 32},
	}
	for _, c := range cases {
		alg, err := GetIntegrityAlgorithm(c.id)
		if err != nil {
			t.Fatalf("获取完整性算法 %d 失败: %v", c.id, err)
		}
		if alg.KeySize() != c.keySize || alg.OutputSize() != c.outSize {
			t.Errorf("算法 %d: got key=%d out=%d", c.id, alg.KeySize(), alg.OutputSize())
		}
		key := make([]byte, alg.KeySize())
		mac := alg.Compute(key, []byte("data"))
		if !alg.Verify(key, []byte("data"), mac) {
			t.Errorf("算法 %d: 验证失败", c.id)
		}
	}
}

// TestDiffieHellmanAgreement 测试双方计算出相同的共享密钥
func TestDiffieHellmanAgreement(t *testing.T) {
	for _, group := range []uint16{14, 31} {
		a, err := NewDiffieHellman(group)
		if err != nil {
			t.Fatalf("组 %d: 创建失败: %v", group, err)
		}
		b, err := NewDiffieHellman(group)
		if err != nil {
			t.Fatalf("组 %d: 创建失败: %v", group, err)
		}

		sa, err := a.ComputeSharedSecret(b.PublicKeyBytes())
		if err != nil {
			t.Fatalf("组 %d: 计算失败: %v", group, err)
		}
		sb, err := b.ComputeSharedSecret(a.PublicKeyBytes())
		if err != nil {
			t.Fatalf("组 %d: 计算失败: %v", group, err)
		}
		if !bytes.Equal(sa, sb) {
			t.Errorf("组 %d: 共享密钥不一致", group)
		}

		a.Zero()
		if a.SharedKey() != nil {
			t.Errorf("组 %d: Zero 后共享密钥仍然存在", group)
		}
	}
}

// TestDiffieHellmanRejectsInvalidPeer 测试对端公钥范围检查
func TestDiffieHellmanRejectsInvalidPeer(t *testing.T) {
	dh, err := NewDiffieHellman(16)
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	size := len(dh.PublicKeyBytes())
	if size != 512 {
		t.Fatalf("MODP 4096 公钥长度错误: %d", size)
	}

	zero := make([]byte, size)
	if _, err := dh.ComputeSharedSecret(zero); err != ErrInvalidPublicKey {
		t.Errorf("零值应被拒绝: %v", err)
	}

	allOnes := bytes.Repeat([]byte{0xff}, size)
	if _, err := dh.ComputeSharedSecret(allOnes); err != ErrInvalidPublicKey {
		t.Errorf(">= P 的值应被拒绝: %v", err)
	}

	if _, err := dh.ComputeSharedSecret([]byte{2}); err != ErrInvalidPublicKey {
		t.Errorf("长度错误的值应被拒绝: %v", err)
	}

	if _, err := NewDiffieHellman(99); err != ErrUnsupportedGroup {
		t.Errorf("未知组应返回 ErrUnsupportedGroup: %v", err)
	}
}
