package domain

// NegotiatorState is the lifecycle state of one SDP/ICE negotiation.
type NegotiatorState string

const (
	StateIdle           NegotiatorState = "idle"
	StateOffering       NegotiatorState = "offering"
	StateAwaitingAnswer NegotiatorState = "awaiting-answer"
	StateConnected      NegotiatorState = "connected"
	StateFailed         NegotiatorState = "failed"
	StateClosed         NegotiatorState = "closed"
)

// Terminal reports whether no further transitions except failed→closed are possible.
func (s NegotiatorState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// ConnectionStatus is the per-camera status shown to operators.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusFailed       ConnectionStatus = "failed"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// PeerState mirrors the platform peer connection state.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// TransportStatus is the state of the signaling channel.
type TransportStatus string

const (
	TransportDisconnected TransportStatus = "disconnected"
	TransportConnecting   TransportStatus = "connecting"
	TransportConnected    TransportStatus = "connected"
	TransportFailed       TransportStatus = "error"
)
