package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ManagedTransport delegates the session to the conversational voice
// provider over the signed WebSocket URL. The provider runs the audio
// pipeline; we map its events onto the session state machine and stream
// microphone frames up.
type ManagedTransport struct {
	dialer *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	mic     *MicrophoneHandle
	events  TransportEvents
	closed  bool
}

// NewManagedTransport creates a managed transport using the default dialer.
func NewManagedTransport() *ManagedTransport {
	return &ManagedTransport{dialer: websocket.DefaultDialer}
}

// Start dials the signed URL and begins relaying provider events. Any prior
// session is torn down first.
func (t *ManagedTransport) Start(ctx context.Context, cred Credential, mic *MicrophoneHandle, events TransportEvents) error {
	t.teardown()

	if cred.SignedURL == "" {
		return fmt.Errorf("%w: no signed URL in credential", ErrTransport)
	}

	conn, _, err := t.dialer.DialContext(ctx, cred.SignedURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to open conversation session: %v", ErrTransport, err)
	}

	t.mu.Lock()
	t.closed = false
	t.conn = conn
	t.mic = mic
	t.events = events
	t.mu.Unlock()

	// Stream captured microphone frames up as they arrive.
	mic.SetFrameSink(func(frame []byte) {
		t.sendJSON(map[string]string{
			"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
		})
	})

	go t.readLoop(conn, events)
	return nil
}

// readLoop relays provider events into the state machine until the session
// closes. It runs for the lifetime of one connection.
func (t *ManagedTransport) readLoop(conn *websocket.Conn, events TransportEvents) {
	for {
		var event map[string]interface{}
		if err := conn.ReadJSON(&event); err != nil {
			if t.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				events.OnDisconnect()
			} else {
				events.OnError(fmt.Errorf("conversation session error: %v", err))
			}
			return
		}

		// A message already buffered when End raced the read must not be
		// dispatched against a torn-down session.
		if t.isClosed() {
			return
		}

		eventType, _ := event["type"].(string)
		switch eventType {
		case "conversation_initiation_metadata":
			log.Printf("✅ Conversation session established")
			events.OnConnect()
		case "agent_response", "audio":
			events.OnMode("speaking")
		case "user_transcript":
			events.OnMode("listening")
		case "ping":
			t.handlePing(event)
		case "error":
			msg, _ := event["message"].(string)
			if msg == "" {
				msg = "unknown provider error"
			}
			events.OnError(fmt.Errorf("conversation error: %s", msg))
			return
		default:
			// Interruptions, transcripts-in-progress and other provider
			// chatter carry no state transition.
		}
	}
}

// handlePing echoes the provider's keepalive.
func (t *ManagedTransport) handlePing(event map[string]interface{}) {
	reply := map[string]interface{}{"type": "pong"}
	if pingEvent, ok := event["ping_event"].(map[string]interface{}); ok {
		if id, ok := pingEvent["event_id"]; ok {
			reply["event_id"] = id
		}
	}
	t.sendJSON(reply)
}

// sendJSON writes one message; gorilla connections allow a single
// concurrent writer.
func (t *ManagedTransport) sendJSON(v interface{}) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		log.Printf("⚠️ Failed to send session message: %v", err)
	}
}

func (t *ManagedTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// End requests graceful termination and closes the connection. Idempotent;
// a failed close is reported but the session is still considered over.
func (t *ManagedTransport) End() error {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.endSession()
}

func (t *ManagedTransport) endSession() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	mic := t.mic
	t.mic = nil
	t.mu.Unlock()

	if mic != nil {
		mic.SetFrameSink(nil)
	}
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to end conversation session: %v", err)
	}
	return nil
}

// teardown releases any live session without grace.
func (t *ManagedTransport) teardown() {
	if err := t.endSession(); err != nil {
		log.Printf("⚠️ Session teardown error (ignored): %v", err)
	}
}
