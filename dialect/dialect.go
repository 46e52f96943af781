package dialect

import (
	"fmt"

	"github.com/zeptools/sqlrelay/wire"
)

// Affinity classifies one outgoing statement for session stickiness.
type Affinity uint8

const (
	// Neutral statements may run on any pooled backend connection.
	Neutral Affinity = iota
	// Triggering statements create or touch session-scoped state and force the
	// logical connection onto one fixed backend connection from then on.
	Triggering
)

// Dialect is the per-vendor capability surface the core consults.
// Lifecycle, paging and LOB logic stay dialect-agnostic.
type Dialect interface {
	Name() string
	// ClassifyAffinity inspects raw statement text before it is sent.
	ClassifyAffinity(sql string) Affinity
	// MapColumnType translates a backend-declared column type name
	// (e.g. BYTEA, VARBINARY, TEXT) into a semantic type.
	MapColumnType(declared string) wire.Type
}

var registry = map[string]Dialect{}

// Register makes a dialect available under dbType. Called from impls' init.
func Register(dbType string, d Dialect) {
	registry[dbType] = d
}

// New returns the dialect registered for dbType.
func New(dbType string) (Dialect, error) {
	d, ok := registry[dbType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	return d, nil
}
