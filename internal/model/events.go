package model

import "time"

// Operation classifies a decoded replication message.
type Operation string

const (
	OperationBegin    Operation = "BEGIN"
	OperationCommit   Operation = "COMMIT"
	OperationInsert   Operation = "INSERT"
	OperationUpdate   Operation = "UPDATE"
	OperationDelete   Operation = "DELETE"
	OperationTruncate Operation = "TRUNCATE"
	OperationMessage  Operation = "MESSAGE"
)

// Column is one decoded column change: name, declared type, and the textual
// value. Null distinguishes SQL NULL from an empty string.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	Null  bool   `json:"null,omitempty"`
}

// ChangeEvent is one decoded test_decoding message, ready for publication.
// Raw carries the payload verbatim so nothing is lost when the decoder only
// partially understands a line.
type ChangeEvent struct {
	LSN        string    `json:"lsn"`
	Operation  Operation `json:"operation"`
	Xid        uint64    `json:"xid,omitempty"`
	Schema     string    `json:"schema,omitempty"`
	Table      string    `json:"table,omitempty"`
	Columns    []Column  `json:"columns,omitempty"`
	CommitTime time.Time `json:"commit_time,omitempty"`
	Raw        string    `json:"raw"`
}
