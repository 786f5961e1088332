// Package publisher streams one camera's local media to the relay.
package publisher

import (
	"errors"
	"io"
	"sync"

	"secops_dashboard/camstream/internal/domain"
	"secops_dashboard/camstream/internal/negotiator"

	"github.com/pion/logging"
)

// Options configures a Publisher.
type Options struct {
	Transport     domain.Transport
	Media         domain.MediaDevice
	Peers         domain.MediaPeerFactory
	LoggerFactory logging.LoggerFactory
	// OnStateChange, if set, sees every session transition.
	OnStateChange func(cameraID string, state domain.NegotiatorState)
}

// Publisher owns at most one publishing session.
type Publisher struct {
	transport   domain.Transport
	media       domain.MediaDevice
	peers       domain.MediaPeerFactory
	log         logging.LeveledLogger
	negLog      logging.LeveledLogger
	onState     func(string, domain.NegotiatorState)
	unsubscribe func()

	mu      sync.Mutex
	session *negotiator.Negotiator
}

// New creates a publisher and subscribes it to the transport.
func New(opts Options) (*Publisher, error) {
	if opts.Transport == nil || opts.Media == nil || opts.Peers == nil {
		return nil, errors.New("publisher: transport, media device and peer factory are required")
	}

	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	p := &Publisher{
		transport: opts.Transport,
		media:     opts.Media,
		peers:     opts.Peers,
		log:       lf.NewLogger("publisher"),
		negLog:    lf.NewLogger("negotiator"),
		onState:   opts.OnStateChange,
	}
	p.unsubscribe = opts.Transport.Subscribe(p.HandleEnvelope)

	return p, nil
}

// StartPublishing replaces the current session with one for cameraID.
func (p *Publisher) StartPublishing(cameraID string) error {
	p.StopPublishing()

	media, err := p.media.Open(cameraID)
	if err != nil {
		merr := &domain.MediaAcquisitionError{CameraID: cameraID, Err: err}
		p.log.Errorf("%v", merr)
		return merr
	}

	peer, err := p.peers.NewMediaPeer(cameraID)
	if err != nil {
		media.Close()
		return &domain.NegotiationError{CameraID: cameraID, Op: "create peer", Err: err}
	}
	if err := peer.AddLocalMedia(media); err != nil {
		peer.Close()
		media.Close()
		return &domain.NegotiationError{CameraID: cameraID, Op: "add local media", Err: err}
	}

	n, err := negotiator.New(negotiator.Options{
		CameraID:      cameraID,
		Role:          domain.RolePublisher,
		Peer:          peer,
		Sender:        p.transport,
		Logger:        p.negLog,
		OnStateChange: p.onState,
		Resources:     []io.Closer{media},
	})
	if err != nil {
		peer.Close()
		media.Close()
		return err
	}

	// Overlapping starts race to here; the last one wins and closes the rest.
	p.mu.Lock()
	old := p.session
	p.session = n
	p.mu.Unlock()

	if old != nil {
		old.Close()
		p.log.Infof("replaced session for camera %s", old.CameraID())
	}

	p.log.Infof("publishing camera %s", cameraID)
	if err := n.Start(); err != nil {
		if errors.Is(err, negotiator.ErrClosed) {
			p.log.Debugf("camera %s: replaced before the offer went out", cameraID)
			return nil
		}
		return err
	}
	return nil
}

// StopPublishing tears down the current session, if any.
func (p *Publisher) StopPublishing() {
	p.mu.Lock()
	n := p.session
	p.session = nil
	p.mu.Unlock()

	if n == nil {
		return
	}
	n.Close()
	p.log.Infof("stopped publishing camera %s", n.CameraID())
}

// HandleEnvelope routes envelopes for the published camera to its session.
func (p *Publisher) HandleEnvelope(env domain.Envelope) {
	if env.Role == domain.RolePublisher {
		return
	}

	p.mu.Lock()
	n := p.session
	p.mu.Unlock()

	if env.Type == domain.TypeError && env.CameraID == "" {
		p.log.Warnf("relay error: %s", env.Message)
		return
	}
	if n == nil || n.CameraID() != env.CameraID {
		p.log.Debugf("camera %s: %v: %s", env.CameraID, domain.ErrStaleMessage, env.Type)
		return
	}
	n.HandleEnvelope(env)
}

// Close stops publishing and unsubscribes from the transport.
func (p *Publisher) Close() {
	p.StopPublishing()
	p.unsubscribe()
}

// Active reports whether a session is live.
func (p *Publisher) Active() bool {
	p.mu.Lock()
	n := p.session
	p.mu.Unlock()

	return n != nil && !n.State().Terminal()
}

// State returns the current session's camera and state.
func (p *Publisher) State() (cameraID string, state domain.NegotiatorState) {
	p.mu.Lock()
	n := p.session
	p.mu.Unlock()

	if n == nil {
		return "", domain.StateIdle
	}
	return n.CameraID(), n.State()
}
