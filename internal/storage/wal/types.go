package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the journal record written for every store mutation
// ============================================================================

// Op identifies the mutation a record replays
type Op string

const (
	OpSet     Op = "SET"      // Key = Value, ExpiresAt
	OpDelete  Op = "DEL"      // Key removed (entry, list and stream)
	OpExpire  Op = "EXPIRE"   // Key gets ExpiresAt
	OpPush    Op = "LPUSH"    // Value appended to list Key
	OpPop     Op = "LPOP"     // head of list Key removed
	OpAppend  Op = "XADD"     // message IDs[0] with Fields appended to stream Key
	OpRemove  Op = "XDEL"     // messages IDs removed from stream Key
	OpGroup   Op = "XGROUP"   // Group created on stream Key
	OpDeliver Op = "XDELIVER" // messages IDs delivered to Consumer of Group
	OpAck     Op = "XACK"     // messages IDs acknowledged in Group
)

// Record represents one journaled mutation
//
// ExpiresAt is an absolute Unix millisecond timestamp (0 = no expiry) so a
// replay reproduces the same deadlines regardless of when it runs.
type Record struct {
	Seq       uint64            `json:"seq"` // monotonically increasing, assigned by Append
	Op        Op                `json:"op"`
	Key       string            `json:"key"`
	Value     []byte            `json:"value,omitempty"`
	ExpiresAt int64             `json:"expires_at,omitempty"`
	Group     string            `json:"group,omitempty"`
	Consumer  string            `json:"consumer,omitempty"`
	IDs       []string          `json:"ids,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp int64             `json:"ts"`       // Unix millisecond write time
	Checksum  uint32            `json:"checksum"` // CRC32 over the record with Checksum = 0
}

// Handler applies a replayed record to state
type Handler func(rec Record) error
