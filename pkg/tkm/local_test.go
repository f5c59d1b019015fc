package tkm

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
)

// peerPair 两个独立的密钥管理器分别代表发起方与响应方
type peerPair struct {
	ini, res       *Local
	iniIsa, resIsa IsaID
	iniDh, resDh   DhID
	ni, nr         []byte
}

func mustProposal(t *testing.T, proto ikev2.ProtocolID, s string) *ikev2.Proposal {
	t.Helper()
	p, err := ikev2.ParseProposal(proto, s)
	require.NoError(t, err)
	return p
}

func setupPair(t *testing.T, proposal string) *peerPair {
	t.Helper()
	ctx := context.Background()
	prop := mustProposal(t, ikev2.ProtoIKE, proposal)

	pp := &peerPair{
		ini: NewLocal(WithKernelSink(NewMemorySink())),
		res: NewLocal(WithKernelSink(NewMemorySink())),
	}

	var err error
	pp.iniDh, err = pp.ini.DhCreate(ctx, prop.DH)
	require.NoError(t, err)
	pp.resDh, err = pp.res.DhCreate(ctx, prop.DH)
	require.NoError(t, err)

	iniPub, err := pp.ini.DhPublicValue(ctx, pp.iniDh)
	require.NoError(t, err)
	resPub, err := pp.res.DhPublicValue(ctx, pp.resDh)
	require.NoError(t, err)
	require.NoError(t, pp.ini.DhSetPeer(ctx, pp.iniDh, resPub))
	require.NoError(t, pp.res.DhSetPeer(ctx, pp.resDh, iniPub))

	_, pp.ni, err = pp.ini.NonceCreate(ctx, 32)
	require.NoError(t, err)
	_, pp.nr, err = pp.res.NonceCreate(ctx, 32)
	require.NoError(t, err)

	pp.iniIsa, err = pp.ini.IsaAllocate(ctx)
	require.NoError(t, err)
	pp.resIsa, err = pp.res.IsaAllocate(ctx)
	require.NoError(t, err)

	params := IsaParams{Proposal: prop, NonceI: pp.ni, NonceR: pp.nr, SpiI: 123912312312, SpiR: 32312313122}

	params.Initiator, params.DhID = true, pp.iniDh
	require.NoError(t, pp.ini.IsaCreate(ctx, pp.iniIsa, params))
	params.Initiator, params.DhID = false, pp.resDh
	require.NoError(t, pp.res.IsaCreate(ctx, pp.resIsa, params))
	return pp
}

func TestIsaCreateBothSidesAgree(t *testing.T) {
	ctx := context.Background()
	for _, proposal := range []string{
		"aes256-sha512-modp2048",
		"aes128gcm16-prfsha256-curve25519",
		"chacha20poly1305-prfsha384-curve25519",
	} {
		t.Run(proposal, func(t *testing.T) {
			pp := setupPair(t, proposal)

			plain := bytes.Repeat([]byte{0x5a}, 32)
			assoc := []byte("ike header")

			ct, err := pp.ini.IsaEncrypt(ctx, pp.iniIsa, DirInitiator, assoc, plain)
			require.NoError(t, err)
			got, err := pp.res.IsaDecrypt(ctx, pp.resIsa, DirInitiator, assoc, ct)
			require.NoError(t, err)
			require.Equal(t, plain, got)

			// 方向不同则密钥不同
			_, err = pp.res.IsaDecrypt(ctx, pp.resIsa, DirResponder, assoc, ct)
			require.ErrorIs(t, err, ErrDerivation)

			auth := AuthParams{Signer: DirInitiator, Message: []byte("init"), Nonce: pp.nr, ID: []byte("id"), Secret: []byte("psk")}
			a1, err := pp.ini.IsaAuth(ctx, pp.iniIsa, auth)
			require.NoError(t, err)
			a2, err := pp.res.IsaAuth(ctx, pp.resIsa, auth)
			require.NoError(t, err)
			require.Equal(t, a1, a2)
		})
	}
}

func TestIsaSignVerify(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes128-sha256-modp2048")

	icv, err := pp.ini.IsaSign(ctx, pp.iniIsa, DirResponder, []byte("data"))
	require.NoError(t, err)
	require.Len(t, icv, 16)
	require.NoError(t, pp.res.IsaVerify(ctx, pp.resIsa, DirResponder, []byte("data"), icv))
	require.Error(t, pp.res.IsaVerify(ctx, pp.resIsa, DirResponder, []byte("date"), icv))

	gcm := setupPair(t, "aes128gcm16-prfsha256-modp2048")
	_, err = gcm.ini.IsaSign(ctx, gcm.iniIsa, DirInitiator, []byte("data"))
	require.ErrorIs(t, err, ErrDerivation)
}

func TestIsaCreateRejectsSecondDerivation(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes256-sha512-modp2048")

	err := pp.ini.IsaCreate(ctx, pp.iniIsa, IsaParams{
		Initiator: true,
		Proposal:  mustProposal(t, ikev2.ProtoIKE, "aes256-sha512-modp2048"),
		DhID:      pp.iniDh,
		NonceI:    pp.ni,
		NonceR:    pp.nr,
	})
	require.ErrorIs(t, err, ErrDerivation)
	require.Equal(t, uint64(1), pp.ini.Stats().Derivations)
}

func TestIsaCreateStaleDh(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	prop := mustProposal(t, ikev2.ProtoIKE, "aes256-sha512-modp2048")

	dh, err := l.DhCreate(ctx, prop.DH)
	require.NoError(t, err)
	require.NoError(t, l.DhReset(ctx, dh))

	isa, err := l.IsaAllocate(ctx)
	require.NoError(t, err)
	err = l.IsaCreate(ctx, isa, IsaParams{Proposal: prop, DhID: dh, NonceI: []byte("n"), NonceR: []byte("n")})
	require.ErrorIs(t, err, ErrDerivation)
	require.ErrorIs(t, err, ErrStaleHandle)
}

func TestIsaCreateSharedSecretOverride(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	isa, err := l.IsaAllocate(ctx)
	require.NoError(t, err)

	err = l.IsaCreate(ctx, isa, IsaParams{
		Proposal:     mustProposal(t, ikev2.ProtoIKE, "aes128-sha256-modp2048"),
		NonceI:       []byte("ni"),
		NonceR:       []byte("nr"),
		SharedSecret: []byte("external secret"),
	})
	require.NoError(t, err)
}

func TestIsaCreateRekeyUsesParent(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes256-sha512-modp2048")

	child, err := pp.ini.IsaAllocate(ctx)
	require.NoError(t, err)
	params := IsaParams{
		Proposal:     mustProposal(t, ikev2.ProtoIKE, "aes128-sha256-modp2048"),
		NonceI:       []byte("rekey ni"),
		NonceR:       []byte("rekey nr"),
		SharedSecret: []byte("new g^ir"),
		ParentIsa:    pp.iniIsa,
		PrfHint:      ikev2.PRF_HMAC_SHA2_256,
	}
	err = pp.ini.IsaCreate(ctx, child, params)
	require.ErrorIs(t, err, ErrDerivation, "PRF 提示与父 SA 不一致")

	params.PrfHint = ikev2.PRF_HMAC_SHA2_512
	require.NoError(t, pp.ini.IsaCreate(ctx, child, params))
}

func TestIsaCreateUnsupportedProposal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	isa, err := l.IsaAllocate(ctx)
	require.NoError(t, err)

	err = l.IsaCreate(ctx, isa, IsaParams{
		Proposal:     mustProposal(t, ikev2.ProtoIKE, "3des-sha1-modp1024"),
		SharedSecret: []byte("s"),
	})
	require.ErrorIs(t, err, ErrDerivation)
}

func TestNonceCreateErrors(t *testing.T) {
	ctx := context.Background()

	_, _, err := NewLocal().NonceCreate(ctx, 0)
	require.ErrorIs(t, err, ErrGeneration)

	broken := NewLocal(WithEntropy(iotest.ErrReader(errors.New("no entropy"))))
	_, _, err = broken.NonceCreate(ctx, 32)
	require.ErrorIs(t, err, ErrGeneration)

	l := NewLocal(WithLimits(Limits{Nonces: 1, DHs: 1, ISAs: 1, ESAs: 1}))
	id, nonce, err := l.NonceCreate(ctx, 32)
	require.NoError(t, err)
	require.Len(t, nonce, 32)
	_, _, err = l.NonceCreate(ctx, 32)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.NoError(t, l.NonceReset(ctx, id))
	require.ErrorIs(t, l.NonceReset(ctx, id), ErrStaleHandle)
}

func TestDhErrors(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(WithAlgorithms(ikev2.AlgorithmSet{DH: []ikev2.AlgorithmType{ikev2.MODP_2048_bit}}))

	_, err := l.DhCreate(ctx, ikev2.MODP_4096_bit)
	require.ErrorIs(t, err, ErrUnsupportedGroup)

	dh, err := l.DhCreate(ctx, ikev2.MODP_2048_bit)
	require.NoError(t, err)

	pub1, err := l.DhPublicValue(ctx, dh)
	require.NoError(t, err)
	pub2, err := l.DhPublicValue(ctx, dh)
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)

	err = l.DhSetPeer(ctx, dh, make([]byte, len(pub1)))
	require.ErrorIs(t, err, ErrInvalidPublicValue)

	require.NoError(t, l.DhReset(ctx, dh))
	_, err = l.DhPublicValue(ctx, dh)
	require.ErrorIs(t, err, ErrStaleHandle)
}

func TestEsaCreateBothSidesInstallSameKeys(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes256-sha512-modp2048")
	esp := mustProposal(t, ikev2.ProtoESP, "aes256-sha512")

	iniSink := NewMemorySink()
	resSink := NewMemorySink()
	pp.ini.sink = iniSink
	pp.res.sink = resSink

	redeem := func(l *Local, isa IsaID, encrR bool, spi uint32) EsaID {
		rec := &EsaInfo{IsaID: isa, SpiR: 42, NonceI: pp.ni, NonceR: pp.nr, IsEncrR: encrR}
		raw, err := rec.MarshalBinary()
		require.NoError(t, err)
		id, err := l.EsaCreate(ctx, EsaParams{
			Record:   raw,
			Proposal: esp,
			SPI:      spi,
			Src:      net.ParseIP("192.0.2.1"),
			Dst:      net.ParseIP("192.0.2.2"),
			Mode:     ModeTunnel,
		})
		require.NoError(t, err)
		return id
	}

	redeem(pp.ini, pp.iniIsa, false, 0x1000)
	redeem(pp.res, pp.resIsa, false, 0x1000)
	redeem(pp.ini, pp.iniIsa, true, 0x2000)

	a, ok := iniSink.Lookup(0x1000)
	require.True(t, ok)
	b, ok := resSink.Lookup(0x1000)
	require.True(t, ok)
	require.Len(t, a.EncKey, 32)
	require.Len(t, a.IntegKey, 64)
	require.Equal(t, a.EncKey, b.EncKey)
	require.Equal(t, a.IntegKey, b.IntegKey)

	r, ok := iniSink.Lookup(0x2000)
	require.True(t, ok)
	require.NotEqual(t, a.EncKey, r.EncKey)
	require.Equal(t, uint64(2), pp.ini.Stats().Installs)
}

func TestEsaCreateAppliesSADefaults(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes256-sha512-modp2048")
	sink := NewMemorySink()
	pp.ini.sink = sink
	pp.ini.saDefaults = SADefaults{
		Mode:         ModeTransport,
		ReplayWindow: 64,
		SoftLifetime: 10 * time.Minute,
		HardLifetime: 20 * time.Minute,
	}
	esp := mustProposal(t, ikev2.ProtoESP, "aes256-sha512")

	install := func(spi uint32, p EsaParams) *SAKeys {
		rec := &EsaInfo{IsaID: pp.iniIsa, SpiR: spi, NonceI: pp.ni, NonceR: pp.nr}
		raw, err := rec.MarshalBinary()
		require.NoError(t, err)
		p.Record, p.Proposal, p.SPI = raw, esp, spi
		_, err = pp.ini.EsaCreate(ctx, p)
		require.NoError(t, err)
		sa, ok := sink.Lookup(spi)
		require.True(t, ok)
		return sa
	}

	def := install(0x3000, EsaParams{})
	require.False(t, def.Tunnel)
	require.Equal(t, 64, def.ReplayWindow)
	require.Equal(t, 10*time.Minute, def.SoftLifetime)
	require.Equal(t, 20*time.Minute, def.HardLifetime)

	own := install(0x3001, EsaParams{Mode: ModeTunnel, ReplayWindow: 16})
	require.True(t, own.Tunnel)
	require.Equal(t, 16, own.ReplayWindow)
	require.Equal(t, 20*time.Minute, own.HardLifetime)
}

func TestNewLocalDefaultsToTunnel(t *testing.T) {
	l := NewLocal()
	require.Equal(t, DefaultSADefaults(), l.saDefaults)
	require.Equal(t, ModeTunnel, l.saDefaults.Mode)
	require.Equal(t, "transport", ModeTransport.String())

	l = NewLocal(WithSADefaults(SADefaults{Mode: ModeTransport}))
	require.Equal(t, ModeTransport, l.saDefaults.Mode)
}

func TestEsaCreateStaleIsa(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes256-sha512-modp2048")

	rec := &EsaInfo{IsaID: pp.iniIsa, DhID: pp.iniDh, SpiR: 42, NonceI: pp.ni, NonceR: pp.nr}
	raw, err := rec.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, pp.ini.IsaReset(ctx, pp.iniIsa))

	_, err = pp.ini.EsaCreate(ctx, EsaParams{Record: raw, Proposal: mustProposal(t, ikev2.ProtoESP, "aes256-sha512"), SPI: 1})
	require.ErrorIs(t, err, ErrStaleHandle)
	require.Equal(t, 0, pp.ini.Stats().ESAs)
}

func TestEsaResetRemovesFromSink(t *testing.T) {
	ctx := context.Background()
	pp := setupPair(t, "aes128gcm16-prfsha256-modp2048")
	sink := NewMemorySink()
	pp.ini.sink = sink

	rec := &EsaInfo{IsaID: pp.iniIsa, DhID: pp.iniDh, SpiR: 9, NonceI: pp.ni, NonceR: pp.nr}
	raw, err := rec.MarshalBinary()
	require.NoError(t, err)
	id, err := pp.ini.EsaCreate(ctx, EsaParams{Record: raw, Proposal: mustProposal(t, ikev2.ProtoESP, "aes128gcm16-modp2048"), SPI: 9})
	require.NoError(t, err)

	sa, ok := sink.Lookup(9)
	require.True(t, ok)
	require.Len(t, sa.EncKey, 20)
	require.Nil(t, sa.IntegKey)

	require.NoError(t, pp.ini.EsaReset(ctx, id))
	require.Equal(t, 0, sink.Len())
	require.ErrorIs(t, pp.ini.EsaReset(ctx, id), ErrStaleHandle)
}
