package tkm

import (
	"errors"
	"fmt"
)

// 错误类型。所有错误原样返回给调用者，不在内部重试
var (
	ErrUnsupportedGroup   = errors.New("DH 组未在密钥管理器中配置")
	ErrInvalidPublicValue = errors.New("对端 DH 公开值超出组范围")
	ErrStaleHandle        = errors.New("句柄已失效")
	ErrResourceExhausted  = errors.New("句柄槽位耗尽")
	ErrGeneration         = errors.New("随机数生成失败")
	ErrDerivation         = errors.New("密钥派生失败")
)

var kindNames = []struct {
	kind error
	name string
}{
	{ErrUnsupportedGroup, "unsupported_group"},
	{ErrInvalidPublicValue, "invalid_public_value"},
	{ErrStaleHandle, "stale_handle"},
	{ErrResourceExhausted, "resource_exhausted"},
	{ErrGeneration, "generation"},
	{ErrDerivation, "derivation"},
}

// Error 带操作名与错误类型的失败
// Err 可以再包含一个错误类型，例如派生失败的原因是句柄失效
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError 构造带类型的错误，供客户端实现与上层组件使用
func NewError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf 返回错误最外层的类型，未知错误视为 ErrDerivation
func KindOf(err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.kind
		}
	}
	return ErrDerivation
}

// KindName 返回错误类型的稳定名称 (用于跨进程传输)
func KindName(kind error) string {
	for _, k := range kindNames {
		if k.kind == kind {
			return k.name
		}
	}
	return ""
}

// KindByName 是 KindName 的逆操作
func KindByName(name string) (error, bool) {
	for _, k := range kindNames {
		if k.name == name {
			return k.kind, true
		}
	}
	return nil, false
}

// KindNames 返回错误链上全部类型的名称，最外层类型在前
func KindNames(err error) []string {
	primary := KindOf(err)
	names := []string{KindName(primary)}
	for _, k := range kindNames {
		if k.kind != primary && errors.Is(err, k.kind) {
			names = append(names, k.name)
		}
	}
	return names
}
