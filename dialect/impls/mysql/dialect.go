package mysql

import (
	"regexp"
	"strings"

	"github.com/zeptools/sqlrelay/dialect"
	"github.com/zeptools/sqlrelay/wire"
)

type Dialect struct{}

// Ensure mysql.Dialect implements dialect.Dialect
var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register("mysql", &Dialect{})
}

func (d *Dialect) Name() string { return "mysql" }

var affinityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)^\s*CREATE\s+TEMPORARY\s+TABLE\s`),
	regexp.MustCompile(`(?is)^\s*SET\s+@`),          // user-defined session variable
	regexp.MustCompile(`(?is)^\s*SET\s+SESSION\s`),  // session system variable
	regexp.MustCompile(`(?is)\bGET_LOCK\s*\(`),      // named lock held by the connection
	regexp.MustCompile(`(?is)^\s*LOCK\s+TABLES?\s`), // table locks are connection-scoped
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
	case "BOOL", "BOOLEAN", "TINYINT(1)":
		return wire.TypeBool
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "UNSIGNED BIGINT":
		return wire.TypeInt
	case "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC":
		return wire.TypeFloat
	case "BINARY", "VARBINARY":
		return wire.TypeBytes
	case "TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB":
		return wire.TypeBlob
	case "TINYTEXT", "TEXT", "MEDIUMTEXT", "LONGTEXT":
		return wire.TypeClob
	case "DATE", "DATETIME", "TIMESTAMP", "TIME", "YEAR":
		return wire.TypeTime
	default:
		return wire.TypeString
	}
}
