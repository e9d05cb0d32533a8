package model

import (
	"time"
)

// Node is the wire representation of an emulated node.
type Node struct {
	NodeID      string         `json:"node_id"`
	ProjectID   string         `json:"project_id"`
	Name        string         `json:"name"`
	NodeType    string         `json:"node_type"`
	Status      string         `json:"status"` // "stopped", "started", "suspended"
	ConsoleType string         `json:"console_type"`
	ConsoleHost string         `json:"console_host,omitempty"`
	Console     int            `json:"console,omitempty"`
	Properties  map[string]any `json:"properties"`
	Ports       []PortBinding  `json:"ports"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PortBinding describes one occupied adapter/port slot.
type PortBinding struct {
	AdapterNumber int    `json:"adapter_number"`
	PortNumber    int    `json:"port_number"`
	NIOID         string `json:"nio_id"`
	NIOType       string `json:"nio_type"`
}

// NodeCreate is the request body for creating a node.
type NodeCreate struct {
	Name        string         `json:"name"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeType    string         `json:"node_type"`
	ConsoleType string         `json:"console_type,omitempty"`
	Console     int            `json:"console,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// NodeUpdate is the request body for updating a node. Absent fields are
// left untouched.
type NodeUpdate struct {
	Name       *string        `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NIO is the wire representation of a transport endpoint. Type is
// "nio_udp" or "nio_null"; the UDP fields are required for "nio_udp".
type NIO struct {
	ID         string            `json:"nio_id,omitempty"`
	Type       string            `json:"type"`
	LPort      int               `json:"lport,omitempty"`
	RHost      string            `json:"rhost,omitempty"`
	RPort      int               `json:"rport,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// NodeCapture is the request body for starting a packet capture.
// DataLinkType is a libpcap DLT name such as "DLT_EN10MB".
type NodeCapture struct {
	CaptureFileName string `json:"capture_file_name"`
	DataLinkType    string `json:"data_link_type,omitempty"`
}

// NodeDuplicate is the request body for duplicating a node.
type NodeDuplicate struct {
	DestinationNodeID string `json:"destination_node_id,omitempty"`
	Name              string `json:"name,omitempty"`
}

// IdlePC is the idle-pc value applied to a node.
type IdlePC struct {
	IdlePC string `json:"idlepc"`
}
