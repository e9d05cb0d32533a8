package idlepc

import (
	"context"
	"errors"
	"fmt"

	"github.com/martinsuchenak/emud/internal/backend"
	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/node"
)

// ErrNoCandidate means the sampler produced no usable idle-pc values.
var ErrNoCandidate = errors.New("no idle-pc candidate found")

// Node is the slice of a node the coordinator needs.
type Node interface {
	ID() string
	Driver() backend.Driver
	StoreIdlePC(value string) error
}

// Propose samples the running backend for idle-pc candidates, ranked
// best first. An empty result is not an error; the caller may retry
// while the node is busier.
func Propose(ctx context.Context, n Node) ([]backend.IdleCandidate, error) {
	sampler, ok := n.Driver().(backend.IdleSampler)
	if !ok {
		return nil, fmt.Errorf("%w: this node kind has no idle-pc support", node.ErrUnsupported)
	}
	candidates, err := sampler.ProposeIdle(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampling idle-pc for node %s: %w", n.ID(), err)
	}
	return candidates, nil
}

// Apply validates the value against the backend and records it in the
// node's settings. Settings are untouched when validation fails.
func Apply(n Node, value string) error {
	sampler, ok := n.Driver().(backend.IdleSampler)
	if !ok {
		return fmt.Errorf("%w: this node kind has no idle-pc support", node.ErrUnsupported)
	}
	if err := sampler.ApplyIdle(value); err != nil {
		return err
	}
	if err := n.StoreIdlePC(value); err != nil {
		return err
	}
	log.Info("idle-pc applied", "node_id", n.ID(), "idlepc", value)
	return nil
}

// AutoSelect samples, picks the top-ranked candidate, and applies it in
// one shot. No candidates means ErrNoCandidate and untouched settings.
func AutoSelect(ctx context.Context, n Node) (string, error) {
	candidates, err := Propose(ctx, n)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoCandidate
	}
	best := candidates[0].Value
	if err := Apply(n, best); err != nil {
		return "", err
	}
	return best, nil
}
