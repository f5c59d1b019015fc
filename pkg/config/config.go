// Package config 加载密钥管理器进程的 TOML 配置
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

const (
	DefaultSocket = "/run/tkm/tkm.sock"

	EnvSocket   = "TKM_SOCKET"
	EnvLogLevel = "TKM_LOG_LEVEL"
)

type Config struct {
	Log    LogConfig    `toml:"log"`
	TKM    TKMConfig    `toml:"tkm"`
	RPC    RPCConfig    `toml:"rpc"`
	Kernel KernelConfig `toml:"kernel"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TKMConfig 句柄槽位数和启用的 DH 组
type TKMConfig struct {
	Nonces int      `toml:"nonces"`
	DHs    int      `toml:"dhs"`
	ISAs   int      `toml:"isas"`
	ESAs   int      `toml:"esas"`
	Groups []string `toml:"groups"`
}

type RPCConfig struct {
	Socket      string        `toml:"socket"`
	Timeout     time.Duration `toml:"timeout"`
	AllowedUIDs []uint32      `toml:"allowed_uids"`
}

// KernelConfig Enable 为 false 时只在内存中记录 SA
// Mode、ReplayWindow 和生存期是安装请求未指定时的默认值
type KernelConfig struct {
	Enable       bool          `toml:"enable"`
	NetNS        string        `toml:"netns"`
	Ifid         int           `toml:"ifid"`
	Mode         string        `toml:"mode"`
	ReplayWindow int           `toml:"replay_window"`
	SoftLifetime time.Duration `toml:"soft_lifetime"`
	HardLifetime time.Duration `toml:"hard_lifetime"`
}

func Default() *Config {
	lim := tkm.DefaultLimits()
	sad := tkm.DefaultSADefaults()
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		TKM: TKMConfig{
			Nonces: lim.Nonces,
			DHs:    lim.DHs,
			ISAs:   lim.ISAs,
			ESAs:   lim.ESAs,
			Groups: []string{"curve25519", "modp4096", "modp3072", "modp2048"},
		},
		RPC: RPCConfig{
			Socket:  DefaultSocket,
			Timeout: 5 * time.Second,
		},
		Kernel: KernelConfig{
			Mode:         sad.Mode.String(),
			ReplayWindow: sad.ReplayWindow,
			SoftLifetime: sad.SoftLifetime,
			HardLifetime: sad.HardLifetime,
		},
	}
}

// Load 读取配置文件，文件不存在时使用默认值
// 未识别的配置项视为错误
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, 0, len(undecoded))
				for _, k := range undecoded {
					keys = append(keys, k.String())
				}
				sort.Strings(keys)
				return nil, fmt.Errorf("配置文件 %s 含未知配置项: %s", path, strings.Join(keys, ", "))
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides 环境变量优先于配置文件
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvSocket); v != "" {
		c.RPC.Socket = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Limits 转换为密钥管理器的句柄上限
func (t *TKMConfig) Limits() tkm.Limits {
	return tkm.Limits{Nonces: t.Nonces, DHs: t.DHs, ISAs: t.ISAs, ESAs: t.ESAs}
}

// AlgorithmSet 默认算法集合，DH 组限制为配置中列出的组
func (t *TKMConfig) AlgorithmSet() (ikev2.AlgorithmSet, error) {
	set := ikev2.DefaultAlgorithmSet()
	if len(t.Groups) == 0 {
		return set, nil
	}
	groups := make([]ikev2.AlgorithmType, 0, len(t.Groups))
	for _, name := range t.Groups {
		g, err := ikev2.ParseDHGroup(name)
		if err != nil {
			return ikev2.AlgorithmSet{}, err
		}
		if !set.SupportsGroup(g) {
			return ikev2.AlgorithmSet{}, fmt.Errorf("DH 组 %q 未实现", name)
		}
		groups = append(groups, g)
	}
	set.DH = groups
	return set, nil
}

// SADefaults 转换为密钥管理器兑现 Child SA 时使用的默认参数
func (k *KernelConfig) SADefaults() tkm.SADefaults {
	mode := tkm.ModeTunnel
	if strings.EqualFold(k.Mode, "transport") {
		mode = tkm.ModeTransport
	}
	return tkm.SADefaults{
		Mode:         mode,
		ReplayWindow: k.ReplayWindow,
		SoftLifetime: k.SoftLifetime,
		HardLifetime: k.HardLifetime,
	}
}
