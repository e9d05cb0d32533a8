package node

import "errors"

var (
	ErrNotFound     = errors.New("node not found")
	ErrConflict     = errors.New("node already exists")
	ErrInvalidState = errors.New("operation not valid in current node state")
	ErrUnsupported  = errors.New("operation not supported by this node kind")
	ErrUnknownKind  = errors.New("unknown node kind")

	ErrOutOfRange   = errors.New("adapter or port number out of range")
	ErrSlotOccupied = errors.New("a NIO is already bound to this slot")
	ErrNoNIO        = errors.New("no NIO is bound to this slot")
	ErrSlotEmpty    = errors.New("slot is not bound")
)
