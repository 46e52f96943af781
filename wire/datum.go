package wire

import (
	"fmt"
	"time"
)

// Type is the semantic type of a column or value after dialect mapping.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeTime
	TypeBlob // binary large object, transferred by reference
	TypeClob // character large object, transferred by reference
)

var typeNames = map[Type]string{
	TypeNull:   "null",
	TypeBool:   "bool",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeString: "string",
	TypeBytes:  "bytes",
	TypeTime:   "time",
	TypeBlob:   "blob",
	TypeClob:   "clob",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Datum is a typed value union. A zero Datum is NULL.
type Datum struct {
	Type  Type            `json:"t"`
	Bool  bool            `json:"b,omitempty"`
	Int   int64           `json:"i,omitempty"`
	Float float64         `json:"f,omitempty"`
	Str   string          `json:"s,omitempty"`
	Bytes []byte          `json:"y,omitempty"`
	Time  time.Time       `json:"tm,omitzero"`
	Lob   *LobDescriptor  `json:"l,omitempty"`
}

// LobDescriptor references a large object held on the relay side.
// Size is -1 when the backend could not declare it without a dedicated call.
type LobDescriptor struct {
	ID   string `json:"id"`
	Kind Type   `json:"kind"` // TypeBlob or TypeClob
	Size int64  `json:"size"`
}

// Null is the NULL marker datum.
func Null() Datum {
	return Datum{Type: TypeNull}
}

// IsNull reports whether d is the NULL marker.
func (d Datum) IsNull() bool {
	return d.Type == TypeNull
}

// FromValue builds a Datum from a native Go value produced by a backend scan
// or supplied as a bind parameter.
func FromValue(v any) (Datum, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Datum{Type: TypeBool, Bool: t}, nil
	case int:
		return Datum{Type: TypeInt, Int: int64(t)}, nil
	case int32:
		return Datum{Type: TypeInt, Int: int64(t)}, nil
	case int64:
		return Datum{Type: TypeInt, Int: t}, nil
	case float32:
		return Datum{Type: TypeFloat, Float: float64(t)}, nil
	case float64:
		return Datum{Type: TypeFloat, Float: t}, nil
	case string:
		return Datum{Type: TypeString, Str: t}, nil
	case []byte:
		return Datum{Type: TypeBytes, Bytes: t}, nil
	case time.Time:
		return Datum{Type: TypeTime, Time: t}, nil
	case *LobDescriptor:
		return Datum{Type: t.Kind, Lob: t}, nil
	default:
		return Datum{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Value returns the native Go value of d. NULL yields nil.
// LOB datums yield their descriptor; resolving the payload is the caller's job.
func (d Datum) Value() any {
	switch d.Type {
	case TypeNull:
		return nil
	case TypeBool:
		return d.Bool
	case TypeInt:
		return d.Int
	case TypeFloat:
		return d.Float
	case TypeString:
		return d.Str
	case TypeBytes:
		return d.Bytes
	case TypeTime:
		return d.Time
	case TypeBlob, TypeClob:
		return d.Lob
	default:
		return nil
	}
}
