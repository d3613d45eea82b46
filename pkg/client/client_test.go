package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"wavelink/pkg/client"
	"wavelink/pkg/protocol"
)

// fakePushServer mimics the server half of the push handshake: accept,
// send a connected ack (optionally delayed, optionally preceded by events),
// then relay outbound events and record control frames from the client.
type fakePushServer struct {
	ts      *httptest.Server
	sendAck bool

	mu       sync.Mutex
	conn     *websocket.Conn
	control  chan protocol.Event
	ackDelay time.Duration
	preAck   []protocol.Event
}

func newFakePushServer(t *testing.T, sendAck bool) *fakePushServer {
	t.Helper()
	fs := &fakePushServer{
		sendAck: sendAck,
		control: make(chan protocol.Event, 16),
	}

	fs.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		ackDelay := fs.ackDelay
		preAck := fs.preAck
		fs.mu.Unlock()

		ctx := r.Context()
		for _, ev := range preAck {
			frame, _ := ev.Marshal()
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
		if ackDelay > 0 {
			time.Sleep(ackDelay)
		}
		if fs.sendAck {
			ack := protocol.NewEvent(protocol.EventConnected, map[string]any{"connectionId": "fake-conn-1"})
			frame, _ := ack.Marshal()
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if ev, err := protocol.ParseEvent(data); err == nil {
				select {
				case fs.control <- ev:
				default:
				}
			}
		}
	}))
	t.Cleanup(fs.ts.Close)
	return fs
}

func (fs *fakePushServer) url() string {
	return "ws" + strings.TrimPrefix(fs.ts.URL, "http")
}

// dropClients severs the accepted websocket from the server side. The
// httptest server cannot do this itself: hijacked connections are outside
// CloseClientConnections' reach.
func (fs *fakePushServer) dropClients() {
	fs.mu.Lock()
	conn := fs.conn
	fs.conn = nil
	fs.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (fs *fakePushServer) push(t *testing.T, ev protocol.Event) {
	t.Helper()
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if conn == nil {
		t.Fatalf("no client connected")
	}
	frame, err := ev.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("server push: %v", err)
	}
}

func TestConnectResolvesOnAck(t *testing.T) {
	fs := newFakePushServer(t, true)

	a := client.New(client.Config{ServerURL: fs.url()})
	defer a.Close()

	if err := a.Connect(context.Background(), "u1", "chat1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.State() != client.StateConnected {
		t.Fatalf("expected connected state, got %s", a.State())
	}
	if a.ConnectionID() != "fake-conn-1" {
		t.Fatalf("connection id not captured, got %q", a.ConnectionID())
	}

	if err := a.Connect(context.Background(), "u1", ""); err != client.ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnectProceedsWhenAckDelayed(t *testing.T) {
	fs := newFakePushServer(t, true)
	fs.mu.Lock()
	fs.ackDelay = 300 * time.Millisecond
	fs.mu.Unlock()

	a := client.New(client.Config{
		ServerURL:   fs.url(),
		AckFallback: 100 * time.Millisecond,
	})
	defer a.Close()

	start := time.Now()
	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect should succeed on open transport without ack: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("connect resolved before the fallback window: %s", elapsed)
	}
	if a.State() != client.StateConnected {
		t.Fatalf("expected connected state, got %s", a.State())
	}
	if got := a.ConnectionID(); got != "" {
		t.Fatalf("connection id should be unknown until the ack, got %q", got)
	}

	// The transport stayed open, so the late ack must still land.
	deadline := time.Now().Add(2 * time.Second)
	for a.ConnectionID() != "fake-conn-1" {
		if time.Now().After(deadline) {
			t.Fatalf("late ack never filled the connection id, got %q", a.ConnectionID())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// And the connection is actually usable after the fallback.
	got := make(chan protocol.Event, 1)
	a.On(protocol.EventNewMessage, func(e protocol.Event) { got <- e })
	fs.push(t, protocol.NewEvent(protocol.EventNewMessage, map[string]any{"body": "after-fallback"}))
	select {
	case e := <-got:
		if e.Data["body"] != "after-fallback" {
			t.Fatalf("unexpected payload %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery after delayed-ack connect")
	}
}

func TestEventAheadOfAckReachesEarlyListener(t *testing.T) {
	fs := newFakePushServer(t, true)
	fs.mu.Lock()
	fs.preAck = []protocol.Event{
		protocol.NewEvent(protocol.EventNewMessage, map[string]any{"body": "early"}),
	}
	fs.mu.Unlock()

	a := client.New(client.Config{ServerURL: fs.url()})
	defer a.Close()

	got := make(chan protocol.Event, 1)
	a.On(protocol.EventNewMessage, func(e protocol.Event) { got <- e })

	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case e := <-got:
		if e.Data["body"] != "early" {
			t.Fatalf("unexpected payload %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event written before the ack never reached the pre-connect listener")
	}
	if len(a.Dropped()) != 0 {
		t.Fatalf("handshake-phase event landed in the ring instead: %+v", a.Dropped())
	}
}

func TestConnectTimesOutAgainstDeadEndpoint(t *testing.T) {
	a := client.New(client.Config{
		ServerURL:      "ws://127.0.0.1:1", // nothing listens here
		ConnectTimeout: 200 * time.Millisecond,
	})
	defer a.Close()

	if err := a.Connect(context.Background(), "u1", ""); err == nil {
		t.Fatalf("expected connect error")
	}
	if a.State() != client.StateDisconnected {
		t.Fatalf("expected disconnected after failed connect, got %s", a.State())
	}
}

func TestListenerRegisteredBeforeConnectIsReplayed(t *testing.T) {
	fs := newFakePushServer(t, true)

	a := client.New(client.Config{ServerURL: fs.url()})
	defer a.Close()

	got := make(chan protocol.Event, 1)
	a.On(protocol.EventNewMessage, func(e protocol.Event) { got <- e })

	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	fs.push(t, protocol.NewEvent(protocol.EventNewMessage, map[string]any{"body": "queued"}))

	select {
	case e := <-got:
		if e.Data["body"] != "queued" {
			t.Fatalf("unexpected payload %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pre-connect listener never fired")
	}
}

func TestOffStopsDelivery(t *testing.T) {
	fs := newFakePushServer(t, true)

	a := client.New(client.Config{ServerURL: fs.url()})
	defer a.Close()

	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got := make(chan protocol.Event, 4)
	sub := a.On(protocol.EventTyping, func(e protocol.Event) { got <- e })

	fs.push(t, protocol.NewEvent(protocol.EventTyping, nil))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never fired")
	}

	sub.Off()
	fs.push(t, protocol.NewEvent(protocol.EventTyping, nil))
	select {
	case <-got:
		t.Fatalf("listener fired after Off")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnhandledEventsRecordedInRing(t *testing.T) {
	fs := newFakePushServer(t, true)

	a := client.New(client.Config{ServerURL: fs.url(), RingSize: 2})
	defer a.Close()

	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		fs.push(t, protocol.NewEvent(protocol.EventStatusChanged, map[string]any{"seq": float64(i)}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		dropped := a.Dropped()
		if len(dropped) == 2 {
			// Bounded: oldest entry evicted.
			if dropped[0].Data["seq"] != float64(1) || dropped[1].Data["seq"] != float64(2) {
				t.Fatalf("ring kept wrong events: %+v", dropped)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 ring entries, got %d", len(dropped))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeSendsControlFrame(t *testing.T) {
	fs := newFakePushServer(t, true)

	a := client.New(client.Config{ServerURL: fs.url()})
	defer a.Close()

	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Subscribe(context.Background(), "chat-42"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case ev := <-fs.control:
		if ev.Type != protocol.ControlSubscribe || ev.Data["channel"] != "chat-42" {
			t.Fatalf("unexpected control frame %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the subscribe control frame")
	}
}

func TestReconnectBackoffThenPermanentFailure(t *testing.T) {
	fs := newFakePushServer(t, true)

	failed := make(chan error, 1)
	a := client.New(client.Config{
		ServerURL:      fs.url(),
		ConnectTimeout: 500 * time.Millisecond,
		BackoffBase:    10 * time.Millisecond,
		MaxAttempts:    3,
		OnFailure:      func(err error) { failed <- err },
	})
	defer a.Close()

	if err := a.Connect(context.Background(), "u1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Sever the live websocket, then kill the server so every reconnect
	// attempt is refused.
	fs.dropClients()
	fs.ts.Close()

	select {
	case err := <-failed:
		if err == nil {
			t.Fatalf("failure callback got nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("adapter never reported permanent failure")
	}

	if a.State() != client.StateFailed {
		t.Fatalf("expected failed state, got %s", a.State())
	}
	if a.Err() == nil {
		t.Fatalf("expected recorded permanent error")
	}

	delays := a.ReconnectDelays()
	if len(delays) != 3 {
		t.Fatalf("expected 3 backoff delays, got %v", delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
}
