// Package secmem shortens the time sensitive values stay readable in process
// memory. It is a mitigation, not secure erasure: the garbage collector may
// already have copied a value, and Go strings cannot be overwritten in place.
package secmem

import (
	"encoding/json"
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

// WipeAll matches every property reachable from an object.
const WipeAll = "*"

// ErrDisposed is returned when a SecureString is read after Dispose.
var ErrDisposed = errors.New("secure string has been disposed")

// WipeBuffer overwrites b with zeros, then 0xFF, then zeros again.
func WipeBuffer(b []byte) {
	if len(b) == 0 {
		return
	}
	defer recoverAndLog("wipe buffer")

	for _, pass := range [...]byte{0x00, 0xFF, 0x00} {
		for i := range b {
			b[i] = pass
		}
	}
	runtime.KeepAlive(b)
}

// SecureString keeps a secret as bytes so it can be overwritten after use.
type SecureString struct {
	mu       sync.Mutex
	buf      []byte
	disposed bool
}

// NewSecureString copies s into a wipeable buffer.
func NewSecureString(s string) *SecureString {
	buf := make([]byte, len(s))
	copy(buf, s)
	return &SecureString{buf: buf}
}

// NewSecureBytes takes ownership of b; the caller must not keep using it.
func NewSecureBytes(b []byte) *SecureString {
	return &SecureString{buf: b}
}

// Value returns a copy of the secret as a string.
func (s *SecureString) Value() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return "", ErrDisposed
	}
	return string(s.buf), nil
}

// Dispose wipes the buffer. Repeated calls are no-ops.
func (s *SecureString) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	WipeBuffer(s.buf)
	s.buf = nil
	s.disposed = true
}

// Disposed reports whether Dispose has run.
func (s *SecureString) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Use hands the secret bytes to fn and returns fn's result. fn must not retain
// the slice. With wipeAfterUse the string is disposed once fn returns, even if
// fn panics.
func Use[T any](s *SecureString, fn func(value []byte) T, wipeAfterUse bool) (T, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		var zero T
		return zero, ErrDisposed
	}
	buf := s.buf
	s.mu.Unlock()

	if wipeAfterUse {
		defer s.Dispose()
	}
	return fn(buf), nil
}

// WipeObjectProperties resets matching properties of obj in place. A property
// matches by key name or by dotted path from the root ("card.number").
// Passing WipeAll resets everything reachable. Non-matching nested objects are
// searched recursively.
func WipeObjectProperties(obj map[string]any, properties []string) {
	if obj == nil || len(properties) == 0 {
		return
	}
	defer recoverAndLog("wipe object properties")

	targets := make(map[string]struct{}, len(properties))
	all := false
	for _, p := range properties {
		if p == WipeAll {
			all = true
		}
		targets[p] = struct{}{}
	}
	wipeMap(obj, "", targets, all)
}

func wipeMap(m map[string]any, prefix string, targets map[string]struct{}, all bool) {
	for key, value := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		_, byName := targets[key]
		_, byPath := targets[path]
		if all || byName || byPath {
			m[key] = wipeValue(value)
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			wipeMap(v, path, targets, all)
		case []any:
			for _, elem := range v {
				if nested, ok := elem.(map[string]any); ok {
					wipeMap(nested, path, targets, all)
				}
			}
		}
	}
}

// wipeValue returns the "empty" replacement for v, overwriting v first where
// the type allows it.
func wipeValue(value any) any {
	switch v := value.(type) {
	case string:
		return ""
	case []byte:
		WipeBuffer(v)
		return v
	case *SecureString:
		v.Dispose()
		return v
	case []any:
		for i := range v {
			wipeValue(v[i])
			v[i] = nil
		}
		return v[:0]
	case []string:
		for i := range v {
			v[i] = ""
		}
		return v[:0]
	case map[string]any:
		for key, nested := range v {
			wipeValue(nested)
			delete(v, key)
		}
		return v
	case float64:
		return float64(0)
	case float32:
		return float32(0)
	case int:
		return 0
	case int64:
		return int64(0)
	case int32:
		return int32(0)
	case json.Number:
		return json.Number("0")
	case bool:
		return false
	default:
		return value
	}
}

// NewSecureProcessor wraps processor so its input is wiped once it returns,
// whether or not it fails, unless the caller passes wipe=false.
func NewSecureProcessor[T any](processor func(data map[string]any) (T, error)) func(data map[string]any, wipe bool) (T, error) {
	return func(data map[string]any, wipe bool) (T, error) {
		if wipe && data != nil {
			defer WipeObjectProperties(data, []string{WipeAll})
		}
		return processor(data)
	}
}

func recoverAndLog(op string) {
	if r := recover(); r != nil {
		slog.Default().Error("secure memory operation failed",
			slog.String("operation", op),
			slog.Any("panic", r))
	}
}
