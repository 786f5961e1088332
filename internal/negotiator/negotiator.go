// Package negotiator drives the SDP offer/answer and ICE candidate exchange
// for one peer connection.
package negotiator

import (
	"errors"
	"io"
	"sync"

	"secops_dashboard/camstream/internal/domain"

	"github.com/pion/logging"
)

var (
	// ErrAlreadyStarted is returned by Start on a negotiator that left idle.
	ErrAlreadyStarted = errors.New("negotiation already started")
	// ErrClosed is returned when the negotiator was torn down.
	ErrClosed = errors.New("negotiator closed")
)

// Sender is the part of the signaling transport a negotiator writes to.
type Sender interface {
	Send(env domain.Envelope) error
}

// Options configures a Negotiator.
type Options struct {
	CameraID string
	Role     domain.Role
	// ViewerID is attached to every envelope when Role is viewer.
	ViewerID string
	Peer     domain.PeerConn
	Sender   Sender
	Logger   logging.LeveledLogger
	// OnStateChange is called for every transition, in order, with the
	// negotiator lock held. It must not call back into the negotiator.
	OnStateChange func(cameraID string, state domain.NegotiatorState)
	// Resources are released before the peer on the first terminal state.
	Resources []io.Closer
}

// Negotiator is the offer-side state machine for one (role, camera) pair.
type Negotiator struct {
	cameraID string
	viewerID string
	role     domain.Role
	pc       domain.PeerConn
	sender   Sender
	log      logging.LeveledLogger
	onState  func(string, domain.NegotiatorState)
	scope    *scope
	done     chan struct{}

	mu          sync.Mutex
	state       domain.NegotiatorState
	offerSent   bool
	localQueue  []domain.ICECandidatePayload
	remoteQueue []domain.ICECandidatePayload
	seen        map[string]struct{}
	err         error
}

// New wires a negotiator to its peer. The negotiator owns the peer from here
// on: it is closed on every exit path.
func New(opts Options) (*Negotiator, error) {
	if opts.CameraID == "" {
		return nil, errors.New("negotiator: camera id is required")
	}
	if opts.Peer == nil || opts.Sender == nil {
		return nil, errors.New("negotiator: peer and sender are required")
	}
	if opts.Role == domain.RoleViewer && opts.ViewerID == "" {
		return nil, errors.New("negotiator: viewer id is required for viewer role")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefaultLoggerFactory().NewLogger("negotiator")
	}

	closers := append(append([]io.Closer{}, opts.Resources...), opts.Peer)

	n := &Negotiator{
		cameraID: opts.CameraID,
		viewerID: opts.ViewerID,
		role:     opts.Role,
		pc:       opts.Peer,
		sender:   opts.Sender,
		log:      logger,
		onState:  opts.OnStateChange,
		scope:    newScope(closers...),
		done:     make(chan struct{}),
		state:    domain.StateIdle,
		seen:     make(map[string]struct{}),
	}

	n.pc.OnICECandidate(n.handleLocalCandidate)
	n.pc.OnConnectionStateChange(n.handlePeerState)

	return n, nil
}

// CameraID returns the camera this negotiator streams.
func (n *Negotiator) CameraID() string { return n.cameraID }

// Role returns the local side of the negotiation.
func (n *Negotiator) Role() domain.Role { return n.role }

// Done is closed once the negotiator reaches failed or closed.
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// State returns the current state.
func (n *Negotiator) State() domain.NegotiatorState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the error that failed the negotiator, if any.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Start creates and sends the offer.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	if n.state != domain.StateIdle {
		terminal := n.state.Terminal()
		n.mu.Unlock()
		if terminal {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	n.transition(domain.StateOffering)
	n.mu.Unlock()

	// The peer calls are made without the lock so that candidate callbacks
	// fired during SetLocalDescription can queue.
	offer, err := n.pc.CreateOffer()
	if err != nil {
		return n.fail("create offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.fail("set local description", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		n.log.Debugf("camera %s: closed while offering, offer not sent", n.cameraID)
		return ErrClosed
	}

	n.transition(domain.StateAwaitingAnswer)
	n.send(n.envelope(domain.TypeOffer, func(e *domain.Envelope) { e.SDP = &offer }))
	n.offerSent = true

	for _, c := range n.localQueue {
		n.sendCandidate(c)
	}
	n.localQueue = nil

	return nil
}

// HandleEnvelope applies one inbound envelope addressed to this camera.
func (n *Negotiator) HandleEnvelope(env domain.Envelope) {
	switch env.Type {
	case domain.TypeAnswer:
		n.handleAnswer(env)
	case domain.TypeCandidate:
		n.handleRemoteCandidate(env)
	case domain.TypeError:
		n.fail("relay", errors.New(env.Message))
	default:
		n.log.Warnf("camera %s: dropping misrouted %s envelope from %q", n.cameraID, env.Type, env.Role)
	}
}

// Close tears the negotiator down. It is safe to call more than once.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == domain.StateClosed {
		n.mu.Unlock()
		return
	}
	n.transition(domain.StateClosed)
	n.mu.Unlock()

	n.release()
}

func (n *Negotiator) handleAnswer(env domain.Envelope) {
	if env.SDP == nil {
		n.log.Warnf("camera %s: dropping answer without sdp", n.cameraID)
		return
	}

	n.mu.Lock()

	if n.state.Terminal() {
		n.mu.Unlock()
		n.log.Debugf("camera %s: %v: answer after %s", n.cameraID, domain.ErrStaleMessage, n.state)
		return
	}
	if rd := n.pc.RemoteDescription(); rd != nil && rd.Type == string(domain.TypeAnswer) {
		n.mu.Unlock()
		n.log.Debugf("camera %s: duplicate answer ignored", n.cameraID)
		return
	}
	if n.state != domain.StateAwaitingAnswer {
		state := n.state
		n.mu.Unlock()
		n.log.Warnf("camera %s: dropping answer in state %s", n.cameraID, state)
		return
	}

	if err := n.pc.SetRemoteDescription(*env.SDP); err != nil {
		n.failLocked("set remote description", err)
		n.mu.Unlock()
		n.release()
		return
	}
	n.log.Debugf("camera %s: remote answer set, applying %d queued candidates", n.cameraID, len(n.remoteQueue))

	queued := n.remoteQueue
	n.remoteQueue = nil
	for _, c := range queued {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.failLocked("add ice candidate", err)
			n.mu.Unlock()
			n.release()
			return
		}
	}

	n.mu.Unlock()
}

func (n *Negotiator) handleRemoteCandidate(env domain.Envelope) {
	if env.Candidate == nil {
		n.log.Warnf("camera %s: dropping candidate envelope without payload", n.cameraID)
		return
	}
	c := *env.Candidate

	n.mu.Lock()

	if n.state.Terminal() {
		n.mu.Unlock()
		n.log.Debugf("camera %s: %v: candidate after %s", n.cameraID, domain.ErrStaleMessage, n.state)
		return
	}

	key := c.Key()
	if _, dup := n.seen[key]; dup {
		n.mu.Unlock()
		n.log.Debugf("camera %s: duplicate candidate ignored", n.cameraID)
		return
	}
	n.seen[key] = struct{}{}

	if n.pc.RemoteDescription() == nil {
		n.remoteQueue = append(n.remoteQueue, c)
		n.mu.Unlock()
		return
	}

	if err := n.pc.AddICECandidate(c); err != nil {
		n.failLocked("add ice candidate", err)
		n.mu.Unlock()
		n.release()
		return
	}

	n.mu.Unlock()
}

func (n *Negotiator) handleLocalCandidate(c *domain.ICECandidatePayload) {
	if c == nil {
		n.log.Debugf("camera %s: ICE gathering complete", n.cameraID)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Terminal() {
		return
	}
	if !n.offerSent {
		n.localQueue = append(n.localQueue, *c)
		return
	}
	n.sendCandidate(*c)
}

func (n *Negotiator) handlePeerState(s domain.PeerState) {
	n.mu.Lock()

	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}

	n.log.Debugf("camera %s: peer connection state %s", n.cameraID, s)

	switch s {
	case domain.PeerConnected:
		if n.state == domain.StateAwaitingAnswer {
			n.transition(domain.StateConnected)
		}
	case domain.PeerDisconnected:
		n.log.Warnf("camera %s: peer disconnected, waiting for ICE to recover", n.cameraID)
	case domain.PeerFailed:
		n.failLocked("connection", errors.New("peer connection failed"))
		n.mu.Unlock()
		n.release()
		return
	case domain.PeerClosed:
		n.failLocked("connection", errors.New("peer connection closed unexpectedly"))
		n.mu.Unlock()
		n.release()
		return
	}

	n.mu.Unlock()
}

// fail moves a live negotiator to failed and releases its resources.
func (n *Negotiator) fail(op string, err error) error {
	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return ErrClosed
	}
	nerr := n.failLocked(op, err)
	n.mu.Unlock()

	n.release()
	return nerr
}

// failLocked records the failure; the caller releases after unlocking.
func (n *Negotiator) failLocked(op string, err error) error {
	nerr := &domain.NegotiationError{CameraID: n.cameraID, Op: op, Err: err}
	n.err = nerr
	n.log.Errorf("%v", nerr)
	n.transition(domain.StateFailed)
	return nerr
}

func (n *Negotiator) transition(to domain.NegotiatorState) {
	from := n.state
	n.state = to
	n.log.Debugf("camera %s: %s -> %s", n.cameraID, from, to)

	if to.Terminal() && !from.Terminal() {
		close(n.done)
	}
	if n.onState != nil {
		n.onState(n.cameraID, to)
	}
}

func (n *Negotiator) release() {
	if err := n.scope.release(); err != nil {
		n.log.Warnf("camera %s: release resources: %v", n.cameraID, err)
	}
}

func (n *Negotiator) sendCandidate(c domain.ICECandidatePayload) {
	n.send(n.envelope(domain.TypeCandidate, func(e *domain.Envelope) { e.Candidate = &c }))
}

func (n *Negotiator) send(env domain.Envelope) {
	if err := n.sender.Send(env); err != nil {
		n.log.Warnf("camera %s: send %s: %v", n.cameraID, env.Type, err)
	}
}

func (n *Negotiator) envelope(t domain.MessageType, fill func(*domain.Envelope)) domain.Envelope {
	env := domain.Envelope{
		Type:     t,
		Role:     n.role,
		CameraID: n.cameraID,
	}
	if n.role == domain.RoleViewer {
		env.ViewerID = n.viewerID
	}
	fill(&env)
	return env
}
