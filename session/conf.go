// Package session implements the client side of the relay: logical
// connections over a transport, statement and result lifecycles, paged row
// retrieval, large-object transfer policy and transaction coordination.
package session

import "time"

type Conf struct {
	Backend string `json:"backend"` // backend name on the relay
	Dialect string `json:"dialect"` // database type for affinity classification, e.g. pgsql

	// OpTimeout bounds every round trip. 0 disables the deadline.
	OpTimeout time.Duration `json:"op_timeout"`

	// LobHydrationThreshold is the size at or below which a lob read from a
	// row is pulled eagerly into memory. 0 or negative hydrates everything.
	LobHydrationThreshold int64 `json:"lob_hydration_threshold"`

	// Prefetch overlaps the next page fetch with row consumption.
	Prefetch bool `json:"prefetch"`
}

func (c *Conf) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = "pgsql"
	}
}
