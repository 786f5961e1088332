package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"secops_dashboard/camstream/internal/domain"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// TrackSource is local media that can be attached to a peer connection.
type TrackSource interface {
	Tracks() []pion.TrackLocal
}

// Peer wraps a Pion PeerConnection as a domain.PeerConn.
type Peer struct {
	pc       *pion.PeerConnection
	cameraID string
	log      logging.LeveledLogger

	mu     sync.Mutex
	sink   io.Closer
	closed bool
}

func newPeer(api *pion.API, cfg pion.Configuration, cameraID string, log logging.LeveledLogger) (*Peer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc, cameraID: cameraID, log: log}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debugf("[%s] ICE connection state: %s", cameraID, state.String())
	})

	return p, nil
}

// CreateOffer creates an SDP offer. It does not apply it.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *Peer) SetLocalDescription(sdp domain.SDPPayload) error {
	if err := p.pc.SetLocalDescription(toSession(sdp)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.log.Debugf("[%s] local %s set", p.cameraID, sdp.Type)
	return nil
}

func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	if err := p.pc.SetRemoteDescription(toSession(sdp)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debugf("[%s] remote %s set", p.cameraID, sdp.Type)
	return nil
}

func (p *Peer) RemoteDescription() *domain.SDPPayload {
	desc := p.pc.RemoteDescription()
	if desc == nil {
		return nil
	}
	return &domain.SDPPayload{Type: desc.Type.String(), SDP: desc.SDP}
}

func (p *Peer) AddICECandidate(candidate domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate forwards local candidates. Loopback candidates never leave
// the host and are filtered.
func (p *Peer) OnICECandidate(fn func(*domain.ICECandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.log.Debugf("[%s] filtering loopback ICE candidate", p.cameraID)
			return
		}

		fn(&domain.ICECandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *Peer) OnConnectionStateChange(fn func(domain.PeerState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Infof("[%s] peer connection state: %s", p.cameraID, state.String())
		fn(peerState(state))
	})
}

// AddLocalMedia attaches every track of media to the connection.
func (p *Peer) AddLocalMedia(media domain.LocalMedia) error {
	src, ok := media.(TrackSource)
	if !ok {
		return fmt.Errorf("local media %T carries no tracks", media)
	}

	for _, track := range src.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// Close shuts down the PeerConnection and the media sink, if any.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sink := p.sink
	p.sink = nil
	p.mu.Unlock()

	var errs []error
	if err := p.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// attachSink hands ownership of sink to the peer. It reports false, and
// closes sink, when the peer is already closed.
func (p *Peer) attachSink(sink io.Closer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sink.Close()
		return false
	}
	p.sink = sink
	return true
}

// drainRTCP reads RTCP so the interceptors see NACKs and PLIs.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func toSession(sdp domain.SDPPayload) pion.SessionDescription {
	return pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
}

func peerState(s pion.PeerConnectionState) domain.PeerState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.PeerConnecting
	case pion.PeerConnectionStateConnected:
		return domain.PeerConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.PeerDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.PeerFailed
	case pion.PeerConnectionStateClosed:
		return domain.PeerClosed
	default:
		return domain.PeerNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
