package iternio

import (
	"errors"
	"fmt"
)

// AuthReason 认证失败原因
type AuthReason string

const (
	ReasonInvalidKey         AuthReason = "invalid_key"
	ReasonInvalidToken       AuthReason = "invalid_token"
	ReasonServiceUnreachable AuthReason = "service_unreachable"
)

// AuthError 认证/凭证错误
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError 遥测拉取错误。Transient 表示可在下个周期自愈（网络/5xx），
// 否则为本周期内不可重试的永久失败（非认证类 4xx）。
type FetchError struct {
	Transient bool
	Status    int
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch failed (%s): status=%d: %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError 响应结构不符合预期
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse response: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsAuthError 判断是否为认证错误
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient 判断是否为瞬时错误。连不上服务导致的认证失败
// 也是瞬时的：凭证本身没有被拒绝，下个周期自愈。
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason == ReasonServiceUnreachable
	}
	return false
}

// IsParseError 判断是否为解析错误
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
