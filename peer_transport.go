package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

const (
	defaultRealtimeEndpoint = "https://api.openai.com/v1/realtime"
	defaultRealtimeModel    = "gpt-4o-realtime-preview"
)

// PeerTransport establishes the call over a raw WebRTC peer connection:
// microphone tracks out, remote audio in, plus an ordered "tool" data
// channel for function calls. Negotiation is a single offer/answer exchange
// against the realtime endpoint using the ephemeral bearer token.
type PeerTransport struct {
	endpoint   string
	bridge     *ToolBridge
	newSink    func() AudioSink
	httpClient *http.Client

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	sink     AudioSink
	detector *ActivityDetector
	mic      *MicrophoneHandle
	events   TransportEvents
	closed   bool
}

// NewPeerTransport creates a peer transport negotiating against endpoint
// (defaults to the OpenAI realtime endpoint when empty), bridging tool
// calls through bridge.
func NewPeerTransport(endpoint string, bridge *ToolBridge) *PeerTransport {
	if endpoint == "" {
		endpoint = defaultRealtimeEndpoint
	}
	return &PeerTransport{
		endpoint:   endpoint,
		bridge:     bridge,
		newSink:    NewRTPEnergySink,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start builds the peer connection, attaches the microphone, opens the tool
// channel and performs the one-shot offer/answer negotiation. Any prior
// connection is torn down first. On negotiation failure every resource -
// microphone included - is released before the error is returned.
func (t *PeerTransport) Start(ctx context.Context, cred Credential, mic *MicrophoneHandle, events TransportEvents) error {
	t.teardown()

	t.mu.Lock()
	t.closed = false
	t.events = events
	t.mic = mic
	t.mu.Unlock()

	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		t.failStart(fmt.Errorf("failed to create peer connection: %v", err))
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	// Attach every microphone track as an outbound media track.
	for _, track := range mic.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			t.failStart(fmt.Errorf("failed to add audio track: %v", err))
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		// Drain RTCP so interceptors keep working.
		go func() {
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}()
	}

	dc, err := pc.CreateDataChannel("tool", &webrtc.DataChannelInit{
		Ordered: func(b bool) *bool { return &b }(true),
	})
	if err != nil {
		t.failStart(fmt.Errorf("failed to create data channel: %v", err))
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.bridge.HandleMessage(msg.Data, func(reply []byte) error {
			return dc.SendText(string(reply))
		})
	})
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.handleRemoteTrack(pc, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.handleConnectionState(state)
	})

	// Single-offer design: renegotiating after the answer would reorder
	// m-lines, which the realtime endpoint does not tolerate.
	pc.OnNegotiationNeeded(func() {})

	if err := t.negotiate(ctx, pc, cred); err != nil {
		t.teardown()
		return err
	}
	return nil
}

// negotiate creates the local offer and exchanges it for the provider's
// answer over HTTPS, per the realtime API's SDP contract.
func (t *PeerTransport) negotiate(ctx context.Context, pc *webrtc.PeerConnection, cred Credential) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create offer: %v", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: failed to set local description: %v", ErrNegotiationFailed, err)
	}

	model := cred.Model
	if model == "" {
		model = defaultRealtimeModel
	}
	realtimeURL := fmt.Sprintf("%s?model=%s", t.endpoint, url.QueryEscape(model))

	req, err := http.NewRequestWithContext(ctx, "POST", realtimeURL, bytes.NewReader([]byte(offer.SDP)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	defer resp.Body.Close()

	answerSDP, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: realtime API error: %s - %s", ErrNegotiationFailed, resp.Status, string(answerSDP))
	}

	// Reject malformed answers before handing them to the peer connection.
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal(answerSDP); err != nil {
		return fmt.Errorf("%w: malformed SDP answer: %v", ErrNegotiationFailed, err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(answerSDP),
	}); err != nil {
		return fmt.Errorf("%w: failed to set remote description: %v", ErrNegotiationFailed, err)
	}

	log.Printf("✅ Offer/answer negotiation complete")
	return nil
}

// handleRemoteTrack lazily constructs the audio output (once), begins
// playback and starts the activity detector. The detector samples only
// while the connection stays connected and is cancelled with the transport.
func (t *PeerTransport) handleRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	log.Printf("🔊 Received remote audio track: %s (codec: %s)", track.ID(), track.Codec().MimeType)

	t.mu.Lock()
	if t.sink == nil {
		t.sink = t.newSink()
	}
	sink := t.sink
	events := t.events
	startDetector := t.detector == nil
	if startDetector {
		t.detector = NewActivityDetector(sink,
			func() bool { return pc.ConnectionState() == webrtc.PeerConnectionStateConnected },
			func(active bool) {
				if active {
					events.OnMode("speaking")
				} else {
					events.OnMode("listening")
				}
			})
	}
	detector := t.detector
	t.mu.Unlock()

	sink.Play(track)
	if startDetector {
		detector.Start()
	}
}

func (t *PeerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	log.Printf("🔌 Peer connection state: %s", state.String())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	events := t.events
	t.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		events.OnConnect()
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		t.teardown()
		events.OnDisconnect()
	}
}

// failStart releases everything after a mid-Start failure.
func (t *PeerTransport) failStart(err error) {
	log.Printf("❌ %v", err)
	t.teardown()
}

// End closes the data channel and peer connection, stops the microphone
// tracks, pauses the audio output and cancels the activity detector. Every
// step checks its resource is non-nil first; calling End twice is a no-op.
func (t *PeerTransport) End() error {
	t.teardown()
	return nil
}

// teardown atomically takes every held resource, nulls it out and releases
// it. The closed flag suppresses connection-state events caused by our own
// close.
func (t *PeerTransport) teardown() {
	t.mu.Lock()
	t.closed = true
	dc := t.dc
	t.dc = nil
	pc := t.pc
	t.pc = nil
	sink := t.sink
	t.sink = nil
	detector := t.detector
	t.detector = nil
	mic := t.mic
	t.mic = nil
	t.mu.Unlock()

	if detector != nil {
		detector.Stop()
	}
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}
	if mic != nil {
		mic.Release()
	}
	if sink != nil {
		sink.Close()
	}
}
