package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"secops_dashboard/camstream/internal/domain"

	"github.com/gorilla/websocket"
)

// testRelay is a minimal relay that hands each accepted connection to the test.
type testRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw a connection")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("relay decode %s: %v", data, err)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func offerEnvelope(cameraID string) domain.Envelope {
	return domain.Envelope{
		Type: domain.TypeOffer, Role: domain.RoleViewer, CameraID: cameraID, ViewerID: "v-1",
		SDP: &domain.SDPPayload{Type: "offer", SDP: "v=0"},
	}
}

func TestClient_SendsHelloThenEnvelopes(t *testing.T) {
	relay := newTestRelay(t)
	c := NewClient(Options{
		URL:   relay.url(),
		Hello: &domain.Envelope{Type: domain.TypeRole, Role: domain.RoleViewer, ViewerID: "v-1"},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := relay.accept(t)

	if err := c.Send(offerEnvelope("cam-1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	hello := readEnvelope(t, server)
	if hello.Type != domain.TypeRole || hello.Role != domain.RoleViewer || hello.ViewerID != "v-1" {
		t.Errorf("expected viewer role announcement first, got %+v", hello)
	}
	offer := readEnvelope(t, server)
	if offer.Type != domain.TypeOffer || offer.CameraID != "cam-1" {
		t.Errorf("expected offer for cam-1, got %+v", offer)
	}
	if c.Status() != domain.TransportConnected {
		t.Errorf("expected connected, got %s", c.Status())
	}
}

func TestClient_DeliversInOrderAndSkipsBadFrames(t *testing.T) {
	relay := newTestRelay(t)
	c := NewClient(Options{URL: relay.url()})
	defer c.Close()

	got := make(chan domain.Envelope, 8)
	c.Subscribe(func(env domain.Envelope) { got <- env })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := relay.accept(t)

	frames := []string{
		`not json`,
		`{"type":"sdpOffer","cameraId":"cam-1"}`,
		`{"type":"answer","cameraId":"cam-1","sdp":{"type":"answer","sdp":"v=0"}}`,
		`{"type":"candidate","cameraId":"cam-1","candidate":{"candidate":"candidate:1","sdpMid":"0"}}`,
		`{"type":"error","message":"publisher offline"}`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("relay write: %v", err)
		}
	}

	want := []domain.MessageType{domain.TypeAnswer, domain.TypeCandidate, domain.TypeError}
	for i, typ := range want {
		select {
		case env := <-got:
			if env.Type != typ {
				t.Fatalf("envelope %d: expected %s, got %s", i, typ, env.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("envelope %d (%s) never delivered", i, typ)
		}
	}

	select {
	case env := <-got:
		t.Errorf("unexpected extra envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	relay := newTestRelay(t)
	c := NewClient(Options{URL: relay.url()})
	defer c.Close()

	var first, second atomic.Int32
	unsub := c.Subscribe(func(domain.Envelope) { first.Add(1) })
	c.Subscribe(func(domain.Envelope) { second.Add(1) })
	unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := relay.accept(t)
	server.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"x"}`))

	waitFor(t, "second subscriber", func() bool { return second.Load() == 1 })
	if first.Load() != 0 {
		t.Errorf("removed subscriber still received %d envelopes", first.Load())
	}
}

func TestClient_SendBeforeConnectIsDropped(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1/ws"})
	defer c.Close()

	err := c.Send(offerEnvelope("cam-1"))
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	var terr *domain.TransportError
	if !errors.As(err, &terr) || terr.Op != "send" {
		t.Errorf("expected send TransportError, got %v", err)
	}
	if c.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", c.Dropped())
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	relay := newTestRelay(t)
	c := NewClient(Options{URL: relay.url()})

	var statuses []domain.TransportStatus
	var mu sync.Mutex
	c.OnStatus(func(s domain.TransportStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := relay.accept(t)

	c.Close()
	c.Close()

	if c.Status() != domain.TransportDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
	if err := c.Send(offerEnvelope("cam-1")); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("expected send after close to be dropped, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, domain.ErrTransportClosed) {
		t.Errorf("expected connect after close to fail, got %v", err)
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := server.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close frame, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []domain.TransportStatus{domain.TransportConnecting, domain.TransportConnected, domain.TransportDisconnected}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status %d: expected %s, got %s", i, want[i], statuses[i])
		}
	}
}

func TestClient_ConnectFailureReportsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(Options{URL: url, ConnectTimeout: 500 * time.Millisecond})
	defer c.Close()

	err := c.Connect(context.Background())
	var terr *domain.TransportError
	if !errors.As(err, &terr) || terr.Op != "connect" {
		t.Fatalf("expected connect TransportError, got %v", err)
	}
	if c.Status() != domain.TransportFailed {
		t.Errorf("expected error status, got %s", c.Status())
	}
}

// fakeConn is a scripted Conn. Reads block until a result is queued or the
// conn is closed.
type fakeConn struct {
	reads chan error
	// beforeWrite, if set, runs at the start of every WriteMessage.
	beforeWrite func()

	mu      sync.Mutex
	written []domain.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(readErrs ...error) *fakeConn {
	f := &fakeConn{reads: make(chan error, len(readErrs)), closed: make(chan struct{})}
	for _, err := range readErrs {
		f.reads <- err
	}
	return f
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case err := <-f.reads:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	var env domain.Envelope
	json.Unmarshal(data, &env)
	f.mu.Lock()
	f.written = append(f.written, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sent() []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Envelope(nil), f.written...)
}

// scriptedDialer hands out conns in order; once the script runs out every
// dial fails.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials []time.Time
}

func (d *scriptedDialer) DialContext(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *scriptedDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func TestClient_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	const delay = 20 * time.Millisecond
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	dialer := &scriptedDialer{conns: []*fakeConn{newFakeConn(abnormal)}}

	c := NewClient(Options{URL: "ws://relay", Dialer: dialer, ReconnectDelay: delay})
	defer c.Close()

	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "error status", func() bool { return c.Status() == domain.TransportFailed })

	dials := dialer.dialTimes()
	if len(dials) != 1+DefaultMaxReconnectAttempts {
		t.Fatalf("expected %d dials, got %d", 1+DefaultMaxReconnectAttempts, len(dials))
	}
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < delay*9/10 {
			t.Errorf("dial %d came %s after the previous one, want at least %s", i, gap, delay)
		}
	}

	time.Sleep(5 * delay)
	if n := len(dialer.dialTimes()); n != len(dials) {
		t.Errorf("expected no further dials after giving up, got %d", n-len(dials))
	}
	if reconnects.Load() != 0 {
		t.Errorf("reconnect hooks ran %d times without a reconnect", reconnects.Load())
	}
}

func TestClient_ReconnectResendsHelloAndRunsHooks(t *testing.T) {
	abnormal := &websocket.CloseError{Code: websocket.CloseGoingAway}
	first := newFakeConn(abnormal)
	second := newFakeConn()
	dialer := &scriptedDialer{conns: []*fakeConn{first, second}}

	hello := &domain.Envelope{Type: domain.TypeRole, Role: domain.RolePublisher}
	c := NewClient(Options{URL: "ws://relay", Dialer: dialer, ReconnectDelay: 10 * time.Millisecond, Hello: hello})
	defer c.Close()

	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "reconnect hook", func() bool { return reconnects.Load() == 1 })

	if c.Status() != domain.TransportConnected {
		t.Errorf("expected connected after reconnect, got %s", c.Status())
	}
	for i, conn := range []*fakeConn{first, second} {
		sent := conn.sent()
		if len(sent) == 0 || sent[0].Type != domain.TypeRole || sent[0].Role != domain.RolePublisher {
			t.Errorf("conn %d: expected publisher role announcement first, got %+v", i, sent)
		}
	}
}

func TestClient_NormalClosureDoesNotReconnect(t *testing.T) {
	const delay = 10 * time.Millisecond
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	dialer := &scriptedDialer{conns: []*fakeConn{newFakeConn(normal), newFakeConn()}}

	c := NewClient(Options{URL: "ws://relay", Dialer: dialer, ReconnectDelay: delay})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "disconnected status", func() bool { return c.Status() == domain.TransportDisconnected })
	time.Sleep(5 * delay)

	if n := len(dialer.dialTimes()); n != 1 {
		t.Errorf("expected a single dial, got %d", n)
	}
	if c.Status() != domain.TransportDisconnected {
		t.Errorf("expected to stay disconnected, got %s", c.Status())
	}
}

func TestClient_HelloPrecedesEverySend(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []*fakeConn{conn}}
	hello := &domain.Envelope{Type: domain.TypeRole, Role: domain.RoleViewer, ViewerID: "v-1"}
	c := NewClient(Options{URL: "ws://relay", Dialer: dialer, Hello: hello})
	defer c.Close()

	var (
		once          sync.Once
		statusAtHello domain.TransportStatus
		sendAtHello   error
	)
	conn.beforeWrite = func() {
		once.Do(func() {
			statusAtHello = c.Status()
			sendAtHello = c.Send(offerEnvelope("cam-1"))
		})
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if statusAtHello == domain.TransportConnected {
		t.Error("expected the channel not to report connected before the role announcement")
	}
	if !errors.Is(sendAtHello, domain.ErrNotConnected) {
		t.Errorf("expected a send racing the role announcement to be dropped, got %v", sendAtHello)
	}

	if err := c.Send(offerEnvelope("cam-1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := conn.sent()
	if len(sent) != 2 || sent[0].Type != domain.TypeRole || sent[1].Type != domain.TypeOffer {
		t.Errorf("expected role then offer, got %+v", sent)
	}
}

func TestClient_ConnectWhileConnectedIsNoop(t *testing.T) {
	first, spare := newFakeConn(), newFakeConn()
	dialer := &scriptedDialer{conns: []*fakeConn{first, spare}}
	c := NewClient(Options{URL: "ws://relay", Dialer: dialer})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if n := len(dialer.dialTimes()); n != 1 {
		t.Errorf("expected a single dial, got %d", n)
	}
	if err := c.Send(offerEnvelope("cam-1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(first.sent()) != 1 || len(spare.sent()) != 0 {
		t.Errorf("expected the first conn to stay in use, got %d and %d frames", len(first.sent()), len(spare.sent()))
	}
}

func TestClient_FlappingRelayKeepsReconnecting(t *testing.T) {
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	var conns []*fakeConn
	for i := 0; i < DefaultMaxReconnectAttempts+1; i++ {
		conns = append(conns, newFakeConn(abnormal))
	}
	last := newFakeConn()
	conns = append(conns, last)
	dialer := &scriptedDialer{conns: conns}

	c := NewClient(Options{URL: "ws://relay", Dialer: dialer, ReconnectDelay: 5 * time.Millisecond})
	defer c.Close()

	var reconnects atomic.Int32
	c.OnReconnect(func() { reconnects.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := int32(len(conns) - 1)
	waitFor(t, "every reconnect", func() bool { return reconnects.Load() == want })

	if c.Status() != domain.TransportConnected {
		t.Errorf("expected connected after %d drops, got %s", want, c.Status())
	}
	if n := len(dialer.dialTimes()); n != len(conns) {
		t.Errorf("expected %d dials, got %d", len(conns), n)
	}
}
