// Package viewer keeps one negotiation per visible camera for an operator
// dashboard.
package viewer

import (
	"errors"
	"sort"
	"sync"

	"secops_dashboard/camstream/internal/domain"
	"secops_dashboard/camstream/internal/negotiator"
	"secops_dashboard/camstream/internal/status"

	"github.com/pion/logging"
)

// Options configures a Manager.
type Options struct {
	ViewerID  string
	Transport domain.Transport
	Peers     domain.PeerFactory
	// Board receives every session transition. A fresh board is used when nil.
	Board         *status.Board
	LoggerFactory logging.LoggerFactory
}

// Manager reconciles the set of visible cameras with live negotiations.
type Manager struct {
	viewerID    string
	transport   domain.Transport
	peers       domain.PeerFactory
	board       *status.Board
	log         logging.LeveledLogger
	negLog      logging.LeveledLogger
	unsubscribe func()

	mu       sync.Mutex
	sessions map[string]*negotiator.Negotiator
	visible  []string
	closed   bool
}

// New creates a manager and subscribes it to the transport.
func New(opts Options) (*Manager, error) {
	if opts.ViewerID == "" {
		return nil, errors.New("viewer: viewer id is required")
	}
	if opts.Transport == nil || opts.Peers == nil {
		return nil, errors.New("viewer: transport and peer factory are required")
	}

	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	board := opts.Board
	if board == nil {
		board = status.NewBoard(nil)
	}

	m := &Manager{
		viewerID:  opts.ViewerID,
		transport: opts.Transport,
		peers:     opts.Peers,
		board:     board,
		log:       lf.NewLogger("viewer"),
		negLog:    lf.NewLogger("negotiator"),
		sessions:  make(map[string]*negotiator.Negotiator),
	}
	m.unsubscribe = opts.Transport.Subscribe(m.HandleEnvelope)

	return m, nil
}

// SetVisibleCameras makes the set of sessions equal ids. Sessions for cameras
// that left the set are closed, failed sessions are replaced and new cameras
// start negotiating.
func (m *Manager) SetVisibleCameras(ids []string) {
	m.reconcile(ids, false)
}

// Resync closes and re-creates every visible session.
func (m *Manager) Resync() {
	m.mu.Lock()
	ids := append([]string(nil), m.visible...)
	m.mu.Unlock()

	m.log.Infof("resyncing %d sessions", len(ids))
	m.reconcile(ids, true)
}

func (m *Manager) reconcile(ids []string, restart bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	want := make(map[string]struct{}, len(ids))
	visible := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := want[id]; dup {
			continue
		}
		want[id] = struct{}{}
		visible = append(visible, id)
	}
	m.visible = visible

	for id, n := range m.sessions {
		_, keep := want[id]
		switch {
		case !keep:
			m.log.Debugf("camera %s left the view", id)
		case restart:
		case n.State().Terminal():
			m.log.Infof("camera %s: replacing %s session", id, n.State())
		default:
			continue
		}
		n.Close()
		delete(m.sessions, id)
	}

	var started []*negotiator.Negotiator
	for _, id := range visible {
		if _, ok := m.sessions[id]; ok {
			continue
		}
		n, err := m.newSession(id)
		if err != nil {
			m.log.Errorf("camera %s: %v", id, err)
			continue
		}
		m.sessions[id] = n
		started = append(started, n)
	}

	m.board.Prune(func(id string) bool {
		_, ok := m.sessions[id]
		return ok
	})
	m.mu.Unlock()

	for _, n := range started {
		err := n.Start()
		switch {
		case err == nil:
		case errors.Is(err, negotiator.ErrClosed):
			m.log.Debugf("camera %s: removed before the offer went out", n.CameraID())
		default:
			m.log.Warnf("camera %s: start: %v", n.CameraID(), err)
		}
	}
}

func (m *Manager) newSession(cameraID string) (*negotiator.Negotiator, error) {
	peer, err := m.peers.NewPeer(cameraID)
	if err != nil {
		return nil, err
	}

	n, err := negotiator.New(negotiator.Options{
		CameraID:      cameraID,
		Role:          domain.RoleViewer,
		ViewerID:      m.viewerID,
		Peer:          peer,
		Sender:        m.transport,
		Logger:        m.negLog,
		OnStateChange: m.board.Observe,
	})
	if err != nil {
		peer.Close()
		return nil, err
	}
	return n, nil
}

// HandleEnvelope routes an inbound envelope to the session for its camera.
func (m *Manager) HandleEnvelope(env domain.Envelope) {
	if env.Role == domain.RoleViewer {
		m.log.Debugf("dropping %s from another viewer", env.Type)
		return
	}
	if env.ViewerID != "" && env.ViewerID != m.viewerID {
		m.log.Tracef("dropping %s addressed to viewer %s", env.Type, env.ViewerID)
		return
	}
	if env.Type == domain.TypeError && env.CameraID == "" {
		m.log.Warnf("relay error: %s", env.Message)
		return
	}

	m.mu.Lock()
	n, ok := m.sessions[env.CameraID]
	m.mu.Unlock()

	if !ok {
		m.log.Debugf("camera %s: %v: %s", env.CameraID, domain.ErrStaleMessage, env.Type)
		return
	}
	n.HandleEnvelope(env)
}

// Teardown closes every session and stops listening. It is safe to call
// more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*negotiator.Negotiator)
	m.visible = nil
	m.mu.Unlock()

	m.unsubscribe()

	for _, n := range sessions {
		n.Close()
	}
	m.board.Prune(func(string) bool { return false })

	m.log.Infof("torn down %d sessions", len(sessions))
}

// Cameras returns the cameras with a session, sorted.
func (m *Manager) Cameras() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the negotiator state of one camera's session.
func (m *Manager) State(cameraID string) (domain.NegotiatorState, bool) {
	m.mu.Lock()
	n, ok := m.sessions[cameraID]
	m.mu.Unlock()

	if !ok {
		return "", false
	}
	return n.State(), true
}

// Statuses returns the operator-facing status of every session.
func (m *Manager) Statuses() map[string]domain.ConnectionStatus {
	return m.board.Snapshot()
}
