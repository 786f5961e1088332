package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the channel is not connected.
	ErrNotConnected = errors.New("signaling channel not connected")
	// ErrTransportClosed is returned after the channel was closed deliberately.
	ErrTransportClosed = errors.New("signaling channel closed")
	// ErrStaleMessage marks envelopes dropped because no live session wants them.
	// It is only ever logged.
	ErrStaleMessage = errors.New("stale signaling message")
)

// TransportError reports a signaling channel failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NegotiationError reports an offer/answer/candidate step rejected by the peer.
type NegotiationError struct {
	CameraID string
	Op       string
	Err      error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s for camera %s: %v", e.Op, e.CameraID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// MediaAcquisitionError reports that local media could not be opened.
type MediaAcquisitionError struct {
	CameraID string
	Err      error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("acquire media for camera %s: %v", e.CameraID, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }
