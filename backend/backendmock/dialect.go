package backendmock

import (
	"strings"

	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/wire"
)

func init() {
	dialect.Register("mock", &Dialect{})
}

// Dialect is the companion dialect for mock backends. Any statement
// containing TEMP or LOCK counts as connection-state-changing.
type Dialect struct{}

var _ dialect.Dialect = (*Dialect)(nil)

func (d *Dialect) Name() string { return "mock" }

func (d *Dialect) ClassifyAffinity(sql string) dialect.Affinity {
	up := strings.ToUpper(sql)
	if strings.Contains(up, "TEMP") || strings.Contains(up, "LOCK") {
		return dialect.Triggering
	}
	return dialect.Neutral
}

func (d *Dialect) MapColumnType(declared string) wire.Type {
	switch strings.ToUpper(declared) {
	case "BOOL":
		return wire.TypeBool
	case "INT":
		return wire.TypeInt
	case "FLOAT":
		return wire.TypeFloat
	case "TIME":
		return wire.TypeTime
	case "BYTES":
		return wire.TypeBytes
	case "BLOB":
		return wire.TypeBlob
	case "CLOB", "TEXT":
		return wire.TypeClob
	default:
		return wire.TypeString
	}
}
