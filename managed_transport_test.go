package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsHarness struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := &wsHarness{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(time.Second):
		t.Fatal("server never saw a connection")
		return nil
	}
}

type eventRecorder struct {
	connects    chan struct{}
	disconnects chan struct{}
	modes       chan string
	errors      chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		connects:    make(chan struct{}, 4),
		disconnects: make(chan struct{}, 4),
		modes:       make(chan string, 16),
		errors:      make(chan error, 4),
	}
}

func (r *eventRecorder) events() TransportEvents {
	return TransportEvents{
		OnConnect:    func() { r.connects <- struct{}{} },
		OnDisconnect: func() { r.disconnects <- struct{}{} },
		OnMode:       func(mode string) { r.modes <- mode },
		OnError:      func(err error) { r.errors <- err },
	}
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestManagedTransportRequiresSignedURL(t *testing.T) {
	transport := NewManagedTransport()
	err := transport.Start(context.Background(), Credential{}, &MicrophoneHandle{}, newEventRecorder().events())
	require.ErrorIs(t, err, ErrTransport)
}

func TestManagedTransportDialFailure(t *testing.T) {
	transport := NewManagedTransport()
	err := transport.Start(context.Background(), Credential{SignedURL: "ws://127.0.0.1:1/convai"}, &MicrophoneHandle{}, newEventRecorder().events())
	require.ErrorIs(t, err, ErrTransport)
}

func TestManagedTransportConnectAndModes(t *testing.T) {
	h := newWSHarness(t)
	rec := newEventRecorder()
	transport := NewManagedTransport()

	require.NoError(t, transport.Start(context.Background(), Credential{SignedURL: h.url()}, &MicrophoneHandle{}, rec.events()))
	defer transport.End()
	server := h.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(map[string]interface{}{"type": "conversation_initiation_metadata"}))
	waitFor(t, rec.connects, "connect")

	require.NoError(t, server.WriteJSON(map[string]interface{}{"type": "agent_response"}))
	assert.Equal(t, "speaking", waitFor(t, rec.modes, "speaking mode"))

	require.NoError(t, server.WriteJSON(map[string]interface{}{"type": "user_transcript"}))
	assert.Equal(t, "listening", waitFor(t, rec.modes, "listening mode"))

	// Provider chatter with no state meaning is ignored.
	require.NoError(t, server.WriteJSON(map[string]interface{}{"type": "interruption"}))
	require.NoError(t, server.WriteJSON(map[string]interface{}{"type": "audio"}))
	assert.Equal(t, "speaking", waitFor(t, rec.modes, "speaking mode after chatter"))
}

func TestManagedTransportPingPong(t *testing.T) {
	h := newWSHarness(t)
	transport := NewManagedTransport()

	require.NoError(t, transport.Start(context.Background(), Credential{SignedURL: h.url()}, &MicrophoneHandle{}, newEventRecorder().events()))
	defer transport.End()
	server := h.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(map[string]interface{}{
		"type":       "ping",
		"ping_event": map[string]interface{}{"event_id": float64(7)},
	}))

	var pong map[string]interface{}
	require.NoError(t, server.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, float64(7), pong["event_id"])
}

func TestManagedTransportStreamsMicFrames(t *testing.T) {
	h := newWSHarness(t)
	transport := NewManagedTransport()
	mic := &MicrophoneHandle{}

	require.NoError(t, transport.Start(context.Background(), Credential{SignedURL: h.url()}, mic, newEventRecorder().events()))
	defer transport.End()
	server := h.accept(t)
	defer server.Close()

	// Start installed the frame sink; a captured frame goes up base64-encoded.
	sink := mic.sink()
	require.NotNil(t, sink)
	sink([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	var msg map[string]string
	require.NoError(t, server.ReadJSON(&msg))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xDE, 0xAD, 0xBE, 0xEF}), msg["user_audio_chunk"])
}

func TestManagedTransportProviderClose(t *testing.T) {
	h := newWSHarness(t)
	rec := newEventRecorder()
	transport := NewManagedTransport()

	require.NoError(t, transport.Start(context.Background(), Credential{SignedURL: h.url()}, &MicrophoneHandle{}, rec.events()))
	server := h.accept(t)

	deadline := time.Now().Add(time.Second)
	require.NoError(t, server.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline))
	server.Close()

	waitFor(t, rec.disconnects, "disconnect")
}

func TestManagedTransportProviderError(t *testing.T) {
	h := newWSHarness(t)
	rec := newEventRecorder()
	transport := NewManagedTransport()

	require.NoError(t, transport.Start(context.Background(), Credential{SignedURL: h.url()}, &MicrophoneHandle{}, rec.events()))
	defer transport.End()
	server := h.accept(t)
	defer server.Close()

	require.NoError(t, server.WriteJSON(map[string]interface{}{"type": "error", "message": "agent quota exceeded"}))
	err := waitFor(t, rec.errors, "error event")
	assert.Contains(t, err.Error(), "agent quota exceeded")
}

func TestManagedTransportEndIdempotent(t *testing.T) {
	h := newWSHarness(t)
	rec := newEventRecorder()
	transport := NewManagedTransport()
	mic := &MicrophoneHandle{}

	require.NoError(t, transport.End())

	require.NoError(t, transport.Start(context.Background(), Credential{SignedURL: h.url()}, mic, rec.events()))
	h.accept(t)

	require.NoError(t, transport.End())
	require.NoError(t, transport.End())

	// The frame sink is removed so no stale capture leaks upward.
	assert.Nil(t, mic.sink())

	// Our own close never surfaces as a disconnect event.
	select {
	case <-rec.disconnects:
		t.Fatal("self-inflicted close reported as disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}
