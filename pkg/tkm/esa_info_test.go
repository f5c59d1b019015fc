package tkm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEsaInfoWireLayout(t *testing.T) {
	info := &EsaInfo{
		IsaID:   0x0102030405060708,
		DhID:    0x1112131415161718,
		SpiR:    42,
		NonceI:  []byte("ab"),
		NonceR:  []byte("xyz"),
		IsEncrR: true,
	}

	raw, err := info.MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // isa_id
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, // dh_id
		0x00, 0x00, 0x00, 0x2a, // spi_r
		0x00, 0x02, 'a', 'b', // nonce_i
		0x00, 0x03, 'x', 'y', 'z', // nonce_r
		0x01, // is_encr_r
	}
	require.Equal(t, want, raw)

	var back EsaInfo
	require.NoError(t, back.UnmarshalBinary(raw))
	require.True(t, info.Equal(&back))

	// 解析出的随机数不引用输入缓冲区
	raw[22] = 'Q'
	require.Equal(t, []byte("ab"), back.NonceI)
}

func TestEsaInfoRejectsMalformed(t *testing.T) {
	info := &EsaInfo{IsaID: 1, SpiR: 7, NonceI: []byte("n"), NonceR: []byte("m")}
	raw, err := info.MarshalBinary()
	require.NoError(t, err)

	var out EsaInfo
	require.Error(t, out.UnmarshalBinary(raw[:10]))
	require.Error(t, out.UnmarshalBinary(raw[:len(raw)-1]))
	require.Error(t, out.UnmarshalBinary(append(raw, 0)))

	bad := append([]byte(nil), raw...)
	bad[len(bad)-1] = 2
	require.Error(t, out.UnmarshalBinary(bad))
}

func TestEsaInfoCloneAndRelease(t *testing.T) {
	info := &EsaInfo{NonceI: []byte("test chunk"), NonceR: []byte("test chunk")}
	c := info.Clone()
	info.Release()

	require.Nil(t, info.NonceI)
	require.Equal(t, []byte("test chunk"), c.NonceI)
	require.Equal(t, []byte("test chunk"), c.NonceR)
}
