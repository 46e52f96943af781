package pgsql

import (
	"regexp"
	"strings"

	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/wire"
)

type Dialect struct{}

// Ensure pgsql.Dialect implements dialect.Dialect
var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register("pgsql", &Dialect{})
}

func (d *Dialect) Name() string { return "pgsql" }

// Statement shapes that create or rely on connection-scoped state.
var affinityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)^\s*CREATE\s+(GLOBAL\s+|LOCAL\s+)?TEMP(ORARY)?\s`),
	regexp.MustCompile(`(?is)^\s*DECLARE\s+.+\s+CURSOR\s+.*WITH\s+HOLD`),
	regexp.MustCompile(`(?is)^\s*SET\s+(SESSION\s+)?\w`),
	regexp.MustCompile(`(?is)^\s*LISTEN\s`),
	regexp.MustCompile(`(?is)\bpg_advisory_lock\s*\(`),
	regexp.MustCompile(`(?is)^\s*PREPARE\s+\w+\s`), // server-side named prepared statement
}

func (d *Dialect) ClassifyAffinity(sql string) dialect.Affinity {
	for _, p := range affinityPatterns {
		if p.MatchString(sql) {
			return dialect.Triggering
		}
	}
	return dialect.Neutral
}

func (d *Dialect) MapColumnType(declared string) wire.Type {
	switch strings.ToUpper(declared) {
	case "BOOL", "BOOLEAN":
		return wire.TypeBool
	case "INT2", "INT4", "INT8", "SMALLINT", "INTEGER", "BIGINT", "SERIAL", "BIGSERIAL", "SMALLSERIAL":
		return wire.TypeInt
	case "FLOAT4", "FLOAT8", "REAL", "DOUBLE PRECISION", "NUMERIC", "DECIMAL":
		return wire.TypeFloat
	case "BYTEA":
		// A binary column is always bytes in the core; BYTEA is the only
		// binary type postgres has, and it is transferred as a blob reference.
		return wire.TypeBlob
	case "TIMESTAMP", "TIMESTAMPTZ", "DATE", "TIME", "TIMETZ":
		return wire.TypeTime
	default:
		// VARCHAR, CHAR, TEXT, UUID, JSON and everything else surfaces as string.
		// Postgres has no distinct CLOB type; oversized text is still TEXT.
		return wire.TypeString
	}
}
