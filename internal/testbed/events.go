package testbed

import "fmt"

// EventType identifies an event kind.
type EventType uint

const (
	EventPeerStart EventType = iota
	EventPeerStop
	EventConnect
	EventDisconnect
	EventOperationFinished
)

func (t EventType) String() string {
	switch t {
	case EventPeerStart:
		return "peer_start"
	case EventPeerStop:
		return "peer_stop"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventOperationFinished:
		return "operation_finished"
	default:
		return fmt.Sprintf("EventType(%d)", uint(t))
	}
}

// EventMask is a set of event types a controller callback subscribes to.
type EventMask uint

// Mask returns the mask containing the given types.
func Mask(types ...EventType) EventMask {
	var m EventMask
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// MaskAll subscribes to every event type.
var MaskAll = Mask(EventPeerStart, EventPeerStop, EventConnect, EventDisconnect, EventOperationFinished)

// Has reports whether t is in the mask.
func (m EventMask) Has(t EventType) bool {
	return m&(1<<t) != 0
}

// alwaysDelivered holds the types a callback receives regardless of its mask,
// so callers always learn about peer handles.
var alwaysDelivered = Mask(EventPeerStart, EventPeerStop)

// Event is a notification delivered to a controller callback. The concrete
// types are PeerStartEvent, PeerStopEvent, ConnectEvent, DisconnectEvent and
// OperationFinishedEvent.
type Event interface {
	Type() EventType
	event()
}

// EventHandler receives controller events on the loop.
type EventHandler func(Event)

// PeerStartEvent reports that a peer started.
type PeerStartEvent struct {
	Host *Host
	Peer *Peer
}

// PeerStopEvent reports that a peer stopped.
type PeerStopEvent struct {
	Peer *Peer
}

// ConnectEvent reports an overlay connection between two peers.
type ConnectEvent struct {
	Peer1 *Peer
	Peer2 *Peer
}

// DisconnectEvent reports that an overlay connection went away.
type DisconnectEvent struct {
	Peer1 *Peer
	Peer2 *Peer
}

// OperationFinishedEvent reports the outcome of an operation that was issued
// without a completion callback. Err is nil on success; Result carries the
// operation's product, if any (a *Peer, PeerInfo or service handle).
type OperationFinishedEvent struct {
	Op     *Operation
	Err    error
	Result any
}

func (PeerStartEvent) Type() EventType         { return EventPeerStart }
func (PeerStopEvent) Type() EventType          { return EventPeerStop }
func (ConnectEvent) Type() EventType           { return EventConnect }
func (DisconnectEvent) Type() EventType        { return EventDisconnect }
func (OperationFinishedEvent) Type() EventType { return EventOperationFinished }

func (PeerStartEvent) event()         {}
func (PeerStopEvent) event()          {}
func (ConnectEvent) event()           {}
func (DisconnectEvent) event()        {}
func (OperationFinishedEvent) event() {}
