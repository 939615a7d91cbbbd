package node

import (
	"fmt"
	"strings"
	"time"
)

// ID is the adapter-internal node identity. Zero means "no node".
type ID uint64

const RootID ID = 1

// AltID is the replica-native identity of a node. Nodes that have not been
// matched to a replica item yet carry the zero AltID.
type AltID struct {
	Scope    string `json:"scope,omitempty"`
	External string `json:"external,omitempty"`
}

func (a AltID) IsZero() bool {
	return a.External == ""
}

func (a AltID) String() string {
	if a.IsZero() {
		return "-"
	}
	if a.Scope == "" {
		return a.External
	}
	return a.Scope + ":" + a.External
}

type Type uint8

const (
	TypeUnknown Type = iota
	TypeFile
	TypeDirectory
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "file":
		*t = TypeFile
	case "directory", "dir":
		*t = TypeDirectory
	case "", "unknown":
		*t = TypeUnknown
	default:
		return fmt.Errorf("unknown node type %q", string(text))
	}
	return nil
}

// Model is the tracked state of a single replica item.
type Model struct {
	ID             ID        `json:"id"`
	AltID          AltID     `json:"altId"`
	ParentID       ID        `json:"parentId"`
	Name           string    `json:"name"`
	Type           Type      `json:"type"`
	Status         Status    `json:"status"`
	ContentVersion uint64    `json:"contentVersion"`
	LastWriteTime  time.Time `json:"lastWriteTime"`
	Size           int64     `json:"size"`
	RevisionID     string    `json:"revisionId,omitempty"`
}

func (m Model) IsFile() bool {
	return m.Type == TypeFile
}

func (m Model) IsDirectory() bool {
	return m.Type == TypeDirectory
}

// SameLink reports whether both models sit at the same parent under the same name.
func (m Model) SameLink(other Model) bool {
	return m.ParentID == other.ParentID && m.Name == other.Name
}

// SameMetadata compares the fields an Update may change.
func (m Model) SameMetadata(other Model) bool {
	return m.AltID == other.AltID &&
		m.Status == other.Status &&
		m.LastWriteTime.Equal(other.LastWriteTime) &&
		m.Size == other.Size &&
		m.RevisionID == other.RevisionID
}

func (m Model) String() string {
	return fmt.Sprintf("%s#%d(%q parent=%d alt=%s v=%d status=%s)", m.Type, m.ID, m.Name, m.ParentID, m.AltID, m.ContentVersion, m.Status)
}
