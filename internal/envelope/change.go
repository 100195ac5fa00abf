package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the row mutation kind carried in trigger notifications.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether the operation is one the trigger contract emits.
func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Change is one row-level mutation decoded from a notification payload.
// OldData carries the prior row image for UPDATE and is nil otherwise.
// Changes are immutable once constructed.
type Change struct {
	Table      string         `json:"table"`
	Operation  Operation      `json:"operation"`
	Data       map[string]any `json:"data"`
	OldData    map[string]any `json:"old_data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ParseChange decodes a raw NOTIFY payload into a Change. Payloads missing
// table, operation or data are rejected; the listener quarantines them.
func ParseChange(payload []byte, now time.Time) (*Change, error) {
	var raw struct {
		Table     string         `json:"table"`
		Operation string         `json:"operation"`
		Data      map[string]any `json:"data"`
		OldData   map[string]any `json:"old_data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if raw.Table == "" {
		return nil, fmt.Errorf("notification payload missing table")
	}
	op := Operation(raw.Operation)
	if !op.Valid() {
		return nil, fmt.Errorf("notification payload has unknown operation %q", raw.Operation)
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("notification payload missing data")
	}
	return &Change{
		Table:      raw.Table,
		Operation:  op,
		Data:       raw.Data,
		OldData:    raw.OldData,
		OccurredAt: now.UTC(),
	}, nil
}
