package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/nats-io/nats.go"

	"wavelink/internal/broker"
	"wavelink/internal/config"
	"wavelink/internal/fanout"
	"wavelink/internal/publish"
	"wavelink/internal/registry"
	"wavelink/pkg/protocol"
)

type testStack struct {
	ts     *httptest.Server
	pub    *publish.Publisher
	srv    *Server
	bridge *fanout.Bridge
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	embedded, err := broker.StartEmbedded(-1)
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(embedded.Shutdown)

	nc, err := nats.Connect(embedded.ClientURL())
	if err != nil {
		t.Fatalf("connect broker: %v", err)
	}
	t.Cleanup(nc.Close)

	cfg := &config.Config{
		Server: config.ServerConfig{Addr: ":0", PingInterval: time.Minute, ShutdownTimeout: 5 * time.Second},
	}
	reg := registry.New(cfg.Server.PingInterval)
	bridge := fanout.New(nc, reg)
	if err := bridge.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Stop(context.Background()) })

	pub := publish.New(nc)
	srv := NewServer(cfg, reg, bridge, pub)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return &testStack{ts: ts, pub: pub, srv: srv, bridge: bridge}
}

// shutdown mirrors the production ordering: drain the bridge, then the
// registry and its sockets.
func (st *testStack) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.bridge.Stop(ctx); err != nil {
		t.Fatalf("bridge stop: %v", err)
	}
	st.srv.Shutdown()
}

func (st *testStack) dial(t *testing.T, ctx context.Context, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/push?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		t.Fatalf("parse pushed frame: %v", err)
	}
	return ev
}

func TestPushHandshake(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := st.dial(t, ctx, "userId=u1&chatId=room1")

	ack := readEvent(t, ctx, conn)
	if ack.Type != protocol.EventConnected {
		t.Fatalf("expected connected ack, got %s", ack.Type)
	}
	if id, _ := ack.Data["connectionId"].(string); id == "" {
		t.Fatalf("connected ack missing connectionId: %v", ack.Data)
	}
}

func TestPushDeliveryToUserChannel(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := st.dial(t, ctx, "userId=u1")
	_ = readEvent(t, ctx, conn) // connected ack

	ev := protocol.NewEvent(protocol.EventNewMessage, map[string]any{"body": "hey"})
	if err := st.pub.PublishToUser(context.Background(), "u1", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := readEvent(t, ctx, conn)
	if got.Type != protocol.EventNewMessage || got.Data["body"] != "hey" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestSubscribeControlAddsChannel(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := st.dial(t, ctx, "userId=u1")
	_ = readEvent(t, ctx, conn)

	sub := protocol.NewEvent(protocol.ControlSubscribe, map[string]any{"channel": "chat-55"})
	frame, _ := sub.Marshal()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// The subscribe is processed asynchronously by the read pump; poll until
	// delivery succeeds or the deadline hits.
	deadline := time.Now().Add(3 * time.Second)
	for {
		ev := protocol.NewEvent(protocol.EventTyping, map[string]any{"userId": "u9"})
		if err := st.pub.PublishToChat(context.Background(), "55", ev); err != nil {
			t.Fatalf("publish: %v", err)
		}

		readCtx, readCancel := context.WithTimeout(ctx, 300*time.Millisecond)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err == nil {
			got, perr := protocol.ParseEvent(data)
			if perr != nil {
				t.Fatalf("parse: %v", perr)
			}
			if got.Type == protocol.EventTyping {
				return
			}
			continue
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscribed channel never received an event")
		}
	}
}

func TestCallSignalRelay(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callee := st.dial(t, ctx, "userId=bob")
	_ = readEvent(t, ctx, callee)

	body := `{"to":"bob","sdp":{"type":"offer","sdp":"v=0"},"from":"alice","fromName":"Alice","callType":"video"}`
	resp, err := http.Post(st.ts.URL+"/calls/start", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	offer := readEvent(t, ctx, callee)
	if offer.Type != protocol.EventOffer {
		t.Fatalf("expected webrtc-offer, got %s", offer.Type)
	}
	if offer.Data["from"] != "alice" || offer.Data["fromName"] != "Alice" {
		t.Fatalf("offer payload mangled: %v", offer.Data)
	}

	body = `{"to":"bob","from":"alice","reason":"cancelled"}`
	resp, err = http.Post(st.ts.URL+"/calls/end", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post end: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	end := readEvent(t, ctx, callee)
	if end.Type != protocol.EventCallEnd || end.Data["reason"] != protocol.ReasonCancelled {
		t.Fatalf("unexpected end event %+v", end)
	}
}

func TestCallEndRejectsUnknownReason(t *testing.T) {
	st := newTestStack(t)

	body := `{"to":"bob","from":"alice","reason":"ragequit"}`
	resp, err := http.Post(st.ts.URL+"/calls/end", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post end: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid reason, got %d", resp.StatusCode)
	}
}

func TestCallStartRejectsMissingFields(t *testing.T) {
	st := newTestStack(t)

	resp, err := http.Post(st.ts.URL+"/calls/start", "application/json", bytes.NewBufferString(`{"to":"bob"}`))
	if err != nil {
		t.Fatalf("post start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", resp.StatusCode)
	}
}

func TestShutdownClosesConnectionsGoingAway(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := st.dial(t, ctx, "userId=u1")
	_ = readEvent(t, ctx, conn)

	st.shutdown(t)

	// The server side shut the socket; reads must fail with going-away.
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("read succeeded after shutdown")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got status %v (%v)", status, err)
	}

	// Publishing after shutdown must not panic; events vanish quietly.
	ev := protocol.NewEvent(protocol.EventNewMessage, map[string]any{"body": "late"})
	if err := st.pub.PublishToUser(context.Background(), "u1", ev); err != nil {
		t.Fatalf("publish after shutdown: %v", err)
	}
	if err := st.pub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
}

func TestStatsEndpoint(t *testing.T) {
	st := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := st.dial(t, ctx, "userId=u1")
	_ = readEvent(t, ctx, conn)

	resp, err := http.Get(st.ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
