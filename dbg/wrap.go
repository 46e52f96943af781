// Package dbg holds helpers that only matter under the debug build tag.
package dbg

// Packed pairs a payload with free-form debug context so traced frames keep
// their shape when marshaled.
type Packed[T any] struct {
	Data      T   `json:"data"`
	DebugData any `json:"debug_data,omitempty"`
}

func Pack[T any](data T) *Packed[T] {
	return &Packed[T]{
		Data: data,
	}
}
