// Package pathfinder provides the client-side half of the event-bus
// protocol spoken with the external pathfinder component described at its
// interface only by the session manager's specification: it owns route
// discovery and node-liveness tracking, and talks to the session manager
// purely in terms of the wire.Frame/wire.Node/wire.SearchReq envelopes
// already defined in internal/wire.
package pathfinder

import (
	"github.com/overlaymesh/sessiond/internal/wire"
)

// EventEmitter multiplexes however many physical pathfinder channels are
// configured into the single Publish/Subscribe surface the session manager
// expects.
type EventEmitter interface {
	// Publish hands a Core_* frame emitted by the session manager to
	// whichever pathfinder subscriber(s) frame.Target selects.
	Publish(frame wire.Frame) error

	// Subscribe registers a handler invoked for every Pathfinder_* frame
	// arriving from any attached pathfinder. It returns an unsubscribe
	// function.
	Subscribe(handler func(wire.Frame)) (unsubscribe func())
}

// Client is the thin pathfinder-facing adapter the session manager's
// event-bus endpoint (C6) is wired to through the session.EventPublisher
// interface: it marshals outbound frames through an EventEmitter and
// unmarshals inbound ones back into the session.Manager's handlers.
type Client struct {
	bus EventEmitter
}

// NewClient builds a Client bound to bus.
func NewClient(bus EventEmitter) *Client {
	return &Client{bus: bus}
}

// Publish implements session.EventPublisher by parsing the already-marshaled
// frame bytes the manager hands it and re-publishing them through the bus.
// The manager works in marshaled bytes; the bus
// works in parsed wire.Frame values, so this is the seam between the two.
func (c *Client) Publish(event []byte) error {
	frame, err := wire.ParseFrame(event)
	if err != nil {
		return err
	}
	return c.bus.Publish(frame)
}

// Attach wires the manager's inbound handlers (HandleSessionsRequest,
// HandleNodeEvent) to every Pathfinder_* frame the bus delivers. It
// returns the bus's unsubscribe function.
func Attach(bus EventEmitter, onSessions func(sourcePathfinder uint32), onNode func(node wire.Node)) func() {
	return bus.Subscribe(func(frame wire.Frame) {
		switch frame.Event {
		case wire.PathfinderSESSIONS:
			onSessions(frame.Target)
		case wire.PathfinderNODE:
			node, err := wire.ParseNode(frame.Payload)
			if err != nil {
				return
			}
			onNode(node)
		}
	})
}
