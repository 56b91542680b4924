package metastore

import "time"

// TaskInstanceState enumerates terminal and in-flight task attempt states
// recorded by the control plane.
type TaskInstanceState string

// Recorded task instance states.
const (
	TaskStateQueued   TaskInstanceState = "queued"
	TaskStateRunning  TaskInstanceState = "running"
	TaskStateSuccess  TaskInstanceState = "success"
	TaskStateFailed   TaskInstanceState = "failed"
	TaskStateShutdown TaskInstanceState = "shutdown"
)

// TaskIdentity names a single task attempt.
type TaskIdentity struct {
	DagID     string
	TaskID    string
	RunID     string
	TryNumber int
	MapIndex  int
}

// Variable is a key/value configuration entity readable through the execution boundary.
type Variable struct {
	Key   string
	Value string
}

// Connection describes an external system credential readable through the execution boundary.
type Connection struct {
	ConnectionID   string
	ConnectionType string
	Host           string
	Port           int
	Login          string
	Password       string
	SchemaName     string
	Extra          string
}

// XComKey is the composite key of an exchange record.
type XComKey struct {
	DagID    string
	TaskID   string
	RunID    string
	MapIndex int
	Key      string
}

// XComRecord is a live exchange row. Value is always a JSON document.
type XComRecord struct {
	Key       XComKey
	Value     []byte
	Archived  bool
	CreatedAt time.Time
}

// ArchivedXComRecord is a read-only exchange row moved out of the live
// relation because its payload predates the JSON-only invariant.
type ArchivedXComRecord struct {
	Key        XComKey
	Payload    []byte
	ArchivedAt time.Time
}

// ExecutionToken is a short-lived credential scoped to one task attempt.
type ExecutionToken struct {
	TokenID         string
	Identity        TaskIdentity
	VariableScope   []string
	ConnectionScope []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Revoked         bool
}

// TokenSpec describes a token issuance request.
type TokenSpec struct {
	Identity        TaskIdentity
	VariableScope   []string
	ConnectionScope []string
	TimeToLive      time.Duration
}

// MigrationSummary reports archive migration outcomes.
type MigrationSummary struct {
	ExaminedRows int
	ArchivedRows int
}
