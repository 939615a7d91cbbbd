package node

import (
	"fmt"
	"strings"
)

// OperationType is the kind of tree edit exchanged with the sync engine.
type OperationType uint8

const (
	OpCreate OperationType = iota + 1
	OpEdit
	OpMove
	OpDelete
	OpUpdate
)

func (o OperationType) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpEdit:
		return "edit"
	case OpMove:
		return "move"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

func (o OperationType) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OperationType) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "create":
		*o = OpCreate
	case "edit":
		*o = OpEdit
	case "move":
		*o = OpMove
	case "delete":
		*o = OpDelete
	case "update":
		*o = OpUpdate
	default:
		return fmt.Errorf("unknown operation type %q", string(text))
	}
	return nil
}
