package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError 单个配置项的错误
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors 校验时收集到的全部错误
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Has 是否包含指定字段的错误
func (e ValidationErrors) Has(field string) bool {
	for i := range e {
		if e[i].Field == field {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("log.level", "未知的日志级别 %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		add("log.format", "未知的日志格式 %q", c.Log.Format)
	}

	for field, n := range map[string]int{
		"tkm.nonces": c.TKM.Nonces,
		"tkm.dhs":    c.TKM.DHs,
		"tkm.isas":   c.TKM.ISAs,
		"tkm.esas":   c.TKM.ESAs,
	} {
		if n <= 0 {
			add(field, "必须大于 0，当前为 %d", n)
		}
	}
	if _, err := c.TKM.AlgorithmSet(); err != nil {
		add("tkm.groups", "%v", err)
	}

	if c.RPC.Socket == "" {
		add("rpc.socket", "不能为空")
	} else if !filepath.IsAbs(c.RPC.Socket) {
		add("rpc.socket", "必须是绝对路径: %s", c.RPC.Socket)
	}
	if c.RPC.Timeout <= 0 {
		add("rpc.timeout", "必须大于 0")
	}

	switch strings.ToLower(c.Kernel.Mode) {
	case "tunnel", "transport":
	default:
		add("kernel.mode", "只能是 tunnel 或 transport，当前为 %q", c.Kernel.Mode)
	}
	if c.Kernel.ReplayWindow < 0 {
		add("kernel.replay_window", "不能为负数")
	}
	if c.Kernel.Ifid < 0 {
		add("kernel.ifid", "不能为负数")
	}
	if c.Kernel.HardLifetime > 0 && c.Kernel.SoftLifetime >= c.Kernel.HardLifetime {
		add("kernel.soft_lifetime", "必须小于 hard_lifetime (%s)", c.Kernel.HardLifetime)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
