package domain

import (
	"errors"
	"fmt"
)

// MessageType is the discriminator of a signaling envelope.
type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeRole      MessageType = "role"
	TypeError     MessageType = "error"
)

// Role identifies which side of a camera stream produced an envelope.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleViewer    Role = "viewer"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Key identifies a candidate for duplicate detection.
func (c ICECandidatePayload) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

// Envelope is the unit exchanged with the signaling relay.
//
// Field names are camelCase on the wire. encoding/json matches keys
// case-insensitively, so relays still sending cameraID/viewerID decode fine.
type Envelope struct {
	Type      MessageType          `json:"type"`
	Role      Role                 `json:"role,omitempty"`
	CameraID  string               `json:"cameraId,omitempty"`
	ViewerID  string               `json:"viewerId,omitempty"`
	SDP       *SDPPayload          `json:"sdp,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
	Message   string               `json:"message,omitempty"`
}

var errInvalidEnvelope = errors.New("invalid envelope")

// Validate checks the envelope against the wire contract.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeRole, TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", errInvalidEnvelope, e.Type)
	}

	if e.Role != "" && e.Role != RolePublisher && e.Role != RoleViewer {
		return fmt.Errorf("%w: unknown role %q", errInvalidEnvelope, e.Role)
	}

	if e.Type == TypeError {
		return nil
	}

	if e.Role == RoleViewer && e.ViewerID == "" {
		return fmt.Errorf("%w: viewerId required for viewer role", errInvalidEnvelope)
	}

	if e.Type == TypeRole {
		if e.Role == "" {
			return fmt.Errorf("%w: role announcement without role", errInvalidEnvelope)
		}
		return nil
	}

	if e.CameraID == "" {
		return fmt.Errorf("%w: %s without cameraId", errInvalidEnvelope, e.Type)
	}

	switch e.Type {
	case TypeOffer, TypeAnswer:
		if e.SDP == nil || e.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", errInvalidEnvelope, e.Type)
		}
		if e.SDP.Type != string(e.Type) {
			return fmt.Errorf("%w: %s carries sdp of type %q", errInvalidEnvelope, e.Type, e.SDP.Type)
		}
		if e.Candidate != nil {
			return fmt.Errorf("%w: %s carries a candidate", errInvalidEnvelope, e.Type)
		}
	case TypeCandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("%w: candidate without candidate payload", errInvalidEnvelope)
		}
		if e.SDP != nil {
			return fmt.Errorf("%w: candidate carries sdp", errInvalidEnvelope)
		}
	}

	return nil
}

// IsInvalidEnvelope reports whether err came from Validate.
func IsInvalidEnvelope(err error) bool {
	return errors.Is(err, errInvalidEnvelope)
}
