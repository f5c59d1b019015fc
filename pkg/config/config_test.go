package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tkm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSocket, cfg.RPC.Socket)
	assert.False(t, cfg.Kernel.Enable)
	assert.Equal(t, tkm.DefaultSADefaults(), cfg.Kernel.SADefaults())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvLogLevel, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvLogLevel, "")
	path := writeConfig(t, `
[log]
level = "debug"
format = "json"

[tkm]
nonces = 8
dhs = 4
isas = 2
esas = 16
groups = ["curve25519", "modp2048"]

[rpc]
socket = "/var/run/charon/tkm.sock"
timeout = "250ms"
allowed_uids = [0, 998]

[kernel]
enable = true
netns = "ipsec"
ifid = 7
mode = "transport"
replay_window = 64
soft_lifetime = "20m"
hard_lifetime = "30m"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.RPC.Timeout)
	assert.Equal(t, []uint32{0, 998}, cfg.RPC.AllowedUIDs)
	assert.Equal(t, 16, cfg.TKM.Limits().ESAs)

	set, err := cfg.TKM.AlgorithmSet()
	require.NoError(t, err)
	assert.Equal(t, []ikev2.AlgorithmType{ikev2.CURVE_25519, ikev2.MODP_2048_bit}, set.DH)

	opts := cfg.Kernel.SADefaults()
	assert.Equal(t, tkm.ModeTransport, opts.Mode)
	assert.Equal(t, 64, opts.ReplayWindow)
	assert.Equal(t, 30*time.Minute, opts.HardLifetime)
	assert.Equal(t, "ipsec", cfg.Kernel.NetNS)
	assert.Equal(t, 7, cfg.Kernel.Ifid)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[rpc]
sockte = "/tmp/x.sock"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc.sockte")
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := writeConfig(t, "[log\nlevel=")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesSocket(t *testing.T) {
	t.Setenv(EnvSocket, "/tmp/override.sock")
	t.Setenv(EnvLogLevel, "warn")
	path := writeConfig(t, `
[rpc]
socket = "/run/tkm/file.sock"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.sock", cfg.RPC.Socket)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "trace"
	cfg.TKM.ISAs = 0
	cfg.TKM.Groups = []string{"ecp256"}
	cfg.RPC.Socket = "relative.sock"
	cfg.RPC.Timeout = 0
	cfg.Kernel.Mode = "beet"
	cfg.Kernel.SoftLifetime = 2 * time.Hour

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	for _, field := range []string{
		"log.level", "tkm.isas", "tkm.groups", "rpc.socket",
		"rpc.timeout", "kernel.mode", "kernel.soft_lifetime",
	} {
		assert.True(t, verrs.Has(field), field)
	}
	assert.False(t, verrs.Has("tkm.nonces"))
}

func TestAlgorithmSetEmptyGroupsKeepsDefaults(t *testing.T) {
	tc := TKMConfig{}
	set, err := tc.AlgorithmSet()
	require.NoError(t, err)
	assert.Equal(t, ikev2.DefaultAlgorithmSet(), set)
}
