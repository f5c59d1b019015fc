package kernel

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/keymat"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

// failingSink 对指定 SPI 返回错误
type failingSink struct {
	*tkm.MemorySink
	failSPI uint32
}

func (f *failingSink) InstallSA(ctx context.Context, sa *tkm.SAKeys) error {
	if sa.SPI == f.failSPI {
		return errors.New("内核拒绝")
	}
	return f.MemorySink.InstallSA(ctx, sa)
}

type peer struct {
	client *tkm.Local
	km     *keymat.Keymat
}

func newPeer(t *testing.T, sink tkm.KernelSink, initiator bool) *peer {
	t.Helper()
	ctx := context.Background()
	client := tkm.NewLocal(tkm.WithKernelSink(sink))
	km, err := keymat.New(ctx, client, initiator)
	require.NoError(t, err)

	ike, err := ikev2.ParseProposal(ikev2.ProtoIKE, "aes256-sha512-modp2048")
	require.NoError(t, err)
	_, err = km.DeriveIKEKeys(ctx, ike, nil, []byte("ike ni"), []byte("ike nr"),
		keymat.IkeSaID{SpiI: 10, SpiR: 20}, ikev2.PRF_UNDEFINED, []byte("shared g^ir"))
	require.NoError(t, err)
	return &peer{client: client, km: km}
}

func espProposal(t *testing.T, spi uint32) *ikev2.Proposal {
	t.Helper()
	p, err := ikev2.ParseProposal(ikev2.ProtoESP, "aes128gcm16-esn")
	require.NoError(t, err)
	p.SetSPI(spi)
	return p
}

var (
	iniAddr = net.ParseIP("198.51.100.1")
	resAddr = net.ParseIP("198.51.100.2")
)

func TestAddChildSABothPeersAgree(t *testing.T) {
	ctx := context.Background()
	iniSink, resSink := tkm.NewMemorySink(), tkm.NewMemorySink()
	ini := newPeer(t, iniSink, true)
	res := newPeer(t, resSink, false)

	const spiI, spiR = 0xa000, 0xb000
	nonceI, nonceR := []byte("child ni"), []byte("child nr")

	iniKeys, err := ini.km.DeriveChildKeys(ctx, espProposal(t, spiR), nil, nonceI, nonceR)
	require.NoError(t, err)
	resKeys, err := res.km.DeriveChildKeys(ctx, espProposal(t, spiR), nil, nonceI, nonceR)
	require.NoError(t, err)

	var opts Options
	iniSA, err := NewInstaller(ini.client, opts, nil).AddChildSA(ctx, &ChildSA{
		Keys: iniKeys, Proposal: espProposal(t, spiR), Initiator: true,
		Local: iniAddr, Remote: resAddr, SpiIn: spiI, SpiOut: spiR,
		EncapLocalPort: 4500, EncapRemotePort: 4500,
	})
	require.NoError(t, err)
	_, err = NewInstaller(res.client, opts, nil).AddChildSA(ctx, &ChildSA{
		Keys: resKeys, Proposal: espProposal(t, spiR), Initiator: false,
		Local: resAddr, Remote: iniAddr, SpiIn: spiR, SpiOut: spiI,
	})
	require.NoError(t, err)

	// 发起方出站与响应方入站使用同一个 SPI 和同一组密钥
	out, ok := iniSink.Lookup(spiR)
	require.True(t, ok)
	in, ok := resSink.Lookup(spiR)
	require.True(t, ok)
	require.False(t, out.Inbound)
	require.True(t, in.Inbound)
	require.Equal(t, out.EncKey, in.EncKey)
	require.Len(t, out.EncKey, 20)
	require.True(t, out.ESN)
	require.True(t, out.Dst.Equal(resAddr))
	require.Equal(t, 4500, out.EncapDstPort)
	require.Equal(t, tkm.DefaultSADefaults().HardLifetime, out.HardLifetime)
	require.True(t, out.Tunnel)

	back, ok := iniSink.Lookup(spiI)
	require.True(t, ok)
	fwd, ok := resSink.Lookup(spiI)
	require.True(t, ok)
	require.Equal(t, back.EncKey, fwd.EncKey)
	require.NotEqual(t, out.EncKey, back.EncKey)

	require.NoError(t, NewInstaller(ini.client, opts, nil).DelChildSA(ctx, iniSA))
	require.Equal(t, 0, iniSink.Len())
	require.Equal(t, 0, ini.client.Stats().ESAs)
}

func TestAddChildSAOptionsOverrideDefaults(t *testing.T) {
	ctx := context.Background()
	sink := tkm.NewMemorySink()
	p := newPeer(t, sink, true)

	keys, err := p.km.DeriveChildKeys(ctx, espProposal(t, 0xc000), nil, []byte("ni"), []byte("nr"))
	require.NoError(t, err)
	opts := Options{Mode: tkm.ModeTransport, ReplayWindow: 128, HardLifetime: 2 * time.Hour}
	_, err = NewInstaller(p.client, opts, nil).AddChildSA(ctx, &ChildSA{
		Keys: keys, Proposal: espProposal(t, 0xc000), Initiator: true,
		Local: iniAddr, Remote: resAddr, SpiIn: 0xc001, SpiOut: 0xc000,
	})
	require.NoError(t, err)

	out, ok := sink.Lookup(0xc000)
	require.True(t, ok)
	require.False(t, out.Tunnel)
	require.Equal(t, 128, out.ReplayWindow)
	require.Equal(t, 2*time.Hour, out.HardLifetime)
	// 未指定的字段仍使用密钥管理器的默认值
	require.Equal(t, tkm.DefaultSADefaults().SoftLifetime, out.SoftLifetime)
}

func TestAddChildSARollsBack(t *testing.T) {
	ctx := context.Background()
	sink := &failingSink{MemorySink: tkm.NewMemorySink(), failSPI: 0xb000}
	p := newPeer(t, sink, true)

	keys, err := p.km.DeriveChildKeys(ctx, espProposal(t, 0xb000), nil, []byte("ni"), []byte("nr"))
	require.NoError(t, err)

	sa, err := NewInstaller(p.client, Options{}, nil).AddChildSA(ctx, &ChildSA{
		Keys: keys, Proposal: espProposal(t, 0xb000), Initiator: true,
		Local: iniAddr, Remote: resAddr, SpiIn: 0xa000, SpiOut: 0xb000,
	})
	require.ErrorIs(t, err, tkm.ErrDerivation)
	require.Nil(t, sa)
	require.Equal(t, 0, sink.Len())
	require.Equal(t, 0, p.client.Stats().ESAs)
}

func TestAddChildSAStaleIsa(t *testing.T) {
	ctx := context.Background()
	sink := tkm.NewMemorySink()
	p := newPeer(t, sink, true)

	keys, err := p.km.DeriveChildKeys(ctx, espProposal(t, 1), nil, []byte("ni"), []byte("nr"))
	require.NoError(t, err)
	require.NoError(t, p.km.Destroy(ctx))

	_, err = NewInstaller(p.client, Options{}, nil).AddChildSA(ctx, &ChildSA{
		Keys: keys, Proposal: espProposal(t, 1), Initiator: true,
		Local: iniAddr, Remote: resAddr, SpiIn: 2, SpiOut: 1,
	})
	require.ErrorIs(t, err, tkm.ErrStaleHandle)
	require.Equal(t, 0, sink.Len())
}

func TestAddChildSAWithoutRecords(t *testing.T) {
	_, err := NewInstaller(tkm.NewLocal(), Options{}, nil).AddChildSA(context.Background(), &ChildSA{})
	require.ErrorIs(t, err, tkm.ErrDerivation)
}
