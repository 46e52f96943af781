package wire

import (
	"github.com/zeptools/sqlrelay/errdefs"
)

// Op identifies one relay operation. One client call maps to one Op round trip.
type Op uint8

const (
	OpSessionOpen Op = iota + 1
	OpSessionClose
	OpAcquire
	OpRelease
	OpDiscard
	OpPrepare
	OpExecuteQuery
	OpExecuteUpdate
	OpExecuteCall
	OpExecuteBatch
	OpFetch
	OpCloseStatement
	OpCloseResult
	OpSetAutoCommit
	OpSetIsolation
	OpCommit
	OpRollback
	OpSavepointSet
	OpSavepointRollback
	OpSavepointRelease
	OpLobCreate
	OpLobWrite
	OpLobRead
	OpLobLength
	OpPing
)

var opNames = map[Op]string{
	OpSessionOpen:       "session_open",
	OpSessionClose:      "session_close",
	OpAcquire:           "acquire",
	OpRelease:           "release",
	OpDiscard:           "discard",
	OpPrepare:           "prepare",
	OpExecuteQuery:      "execute_query",
	OpExecuteUpdate:     "execute_update",
	OpExecuteCall:       "execute_call",
	OpExecuteBatch:      "execute_batch",
	OpFetch:             "fetch",
	OpCloseStatement:    "close_statement",
	OpCloseResult:       "close_result",
	OpSetAutoCommit:     "set_autocommit",
	OpSetIsolation:      "set_isolation",
	OpCommit:            "commit",
	OpRollback:          "rollback",
	OpSavepointSet:      "savepoint_set",
	OpSavepointRollback: "savepoint_rollback",
	OpSavepointRelease:  "savepoint_release",
	OpLobCreate:         "lob_create",
	OpLobWrite:          "lob_write",
	OpLobRead:           "lob_read",
	OpLobLength:         "lob_length",
	OpPing:              "ping",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// Request is one relay operation request. Fields beyond Op/SessionID are
// populated per operation; unused fields stay zero.
type Request struct {
	Op        Op     `json:"op"`
	Backend   string `json:"backend,omitempty"` // target backend name on OpSessionOpen
	SessionID string `json:"session_id,omitempty"`
	LeaseID   string `json:"lease_id,omitempty"` // backend connection routing

	StatementID string  `json:"statement_id,omitempty"`
	ResultID    string  `json:"result_id,omitempty"`
	LobID       string  `json:"lob_id,omitempty"`
	SQL         string  `json:"sql,omitempty"`
	Params      []Datum `json:"params,omitempty"`

	Batch     [][]Datum  `json:"batch,omitempty"`
	OutParams []OutParam `json:"out_params,omitempty"`

	Savepoint  string `json:"savepoint,omitempty"`
	AutoCommit bool   `json:"autocommit,omitempty"`
	Isolation  string `json:"isolation,omitempty"`

	LobKind Type   `json:"lob_kind,omitempty"` // TypeBlob or TypeClob on OpLobCreate
	Offset  int64  `json:"offset,omitempty"`   // lob read/write offset
	Length  int32  `json:"length,omitempty"`   // lob read length
	Data    []byte `json:"data,omitempty"`     // lob write payload
}

// Response is the reply to exactly one Request. Err is nil on success.
type Response struct {
	Err *Error `json:"err,omitempty"`

	SessionID   string `json:"session_id,omitempty"`
	LeaseID     string `json:"lease_id,omitempty"`
	StatementID string `json:"statement_id,omitempty"`
	ResultID    string `json:"result_id,omitempty"`
	LobID       string `json:"lob_id,omitempty"`

	ParamCount int32    `json:"param_count,omitempty"` // -1 when the backend cannot report it
	Columns    []Column `json:"columns,omitempty"`
	Page       *Page    `json:"page,omitempty"`

	UpdateCount   int64                   `json:"update_count,omitempty"`
	BatchOutcomes []errdefs.BatchOutcome  `json:"batch_outcomes,omitempty"`
	OutValues     []Datum                 `json:"out_values,omitempty"`

	Savepoint string `json:"savepoint,omitempty"`

	LobSize int64  `json:"lob_size,omitempty"` // -1 when unknown without a dedicated call
	Data    []byte `json:"data,omitempty"`
	EOF     bool   `json:"eof,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// Page is one bounded batch of result rows fetched in one round trip.
type Page struct {
	Rows [][]Datum `json:"rows"`
	Last bool      `json:"last"` // no further pages exist
}

// Column describes one result column.
type Column struct {
	Name     string `json:"name"`
	Declared string `json:"declared"` // backend-reported type name, e.g. BYTEA, VARBINARY
	Type     Type   `json:"type"`     // semantic type after dialect mapping
	Nullable bool   `json:"nullable"`
}

// OutParam registers one callable out-parameter slot (1-indexed).
type OutParam struct {
	Index int  `json:"index"`
	Type  Type `json:"type"`
}

// Warning is a non-fatal backend diagnostic attached to a response.
type Warning struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error is the wire form of an operation failure.
type Error struct {
	Kind    errdefs.Kind `json:"kind"`
	Message string       `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ToError converts a wire error into the matching taxonomy error, or nil.
// Batch outcomes are threaded through so partial failures keep per-entry detail.
func (r *Response) ToError() error {
	if r.Err == nil {
		return nil
	}
	if r.Err.Kind == errdefs.KindBatchPartialFailure {
		return &errdefs.BatchError{Outcomes: r.BatchOutcomes}
	}
	return errdefs.New(r.Err.Kind, r.Err.Message)
}

// NewError builds the wire form of err. Taxonomy-foreign errors are reported
// as backend rejections so the diagnostic text survives verbatim.
func NewError(err error) *Error {
	kind := errdefs.KindOf(err)
	if kind == errdefs.KindNone {
		kind = errdefs.KindBackendRejected
	}
	return &Error{Kind: kind, Message: err.Error()}
}
