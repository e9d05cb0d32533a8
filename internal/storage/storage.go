package storage

import (
	"errors"
	"time"
)

var ErrNodeNotFound = errors.New("node record not found")

// NodeRecord is the persisted definition of a node. Run-state, adapter
// bindings, and capture sessions are runtime-only and never stored.
type NodeRecord struct {
	NodeID      string         `json:"node_id"`
	ProjectID   string         `json:"project_id"`
	Name        string         `json:"name"`
	NodeType    string         `json:"node_type"`
	ConsoleType string         `json:"console_type"`
	Console     int            `json:"console"`
	Settings    map[string]any `json:"settings"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store persists node definitions across server restarts.
type Store interface {
	SaveNode(rec *NodeRecord) error
	DeleteNode(nodeID string) error
	ListNodes() ([]NodeRecord, error)
	Close() error
}
