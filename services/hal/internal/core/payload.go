package core

import (
	"gopkg.in/yaml.v3"

	"audiocode-go/errcode"
)

// As[T] asserts a payload to the concrete value type T.
// Pointers are not accepted. A nil payload is treated as the zero value of T.
func As[T any](v any) (T, errcode.Code) {
	var zero T
	if v == nil {
		return zero, ""
	}
	t, ok := v.(T)
	if !ok {
		return zero, errcode.InvalidPayload
	}
	return t, ""
}

// DecodeParams accepts either a typed T (or *T) or the generic map decoded
// from YAML configuration, and returns a T.
func DecodeParams[T any](v any) (T, error) {
	var out T
	switch p := v.(type) {
	case nil:
		return out, nil
	case T:
		return p, nil
	case *T:
		if p == nil {
			return out, nil
		}
		return *p, nil
	}
	raw, err := yaml.Marshal(v)
	if err != nil {
		return out, &errcode.E{C: errcode.InvalidParams, Op: "hal.params", Err: err}
	}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return out, &errcode.E{C: errcode.InvalidParams, Op: "hal.params", Err: err}
	}
	return out, nil
}
