package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallState represents the state of a voice call session
type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateSpeaking   CallState = "speaking"
	CallStateListening  CallState = "listening"
	CallStateEnded      CallState = "ended"
	CallStateError      CallState = "error"
)

// Error taxonomy for call session failures
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrCredentialFetch   = errors.New("credential fetch failed")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrTransport         = errors.New("transport error")
)

// Credential is the short-lived artifact a transport needs to start a
// session. The managed variant uses SignedURL; the peer variant uses
// Token/SessionID/Model. Single use - fetch a fresh one per attempt.
type Credential struct {
	SignedURL string
	Token     string
	SessionID string
	Model     string
}

// CredentialClient fetches a fresh credential from the backend.
type CredentialClient interface {
	Fetch(ctx context.Context) (Credential, error)
}

// TransportEvents are the named transition triggers a transport fires into
// the session state machine, decoupled from the provider's own callback
// convention so both transport variants plug into the same contract.
type TransportEvents struct {
	OnConnect    func()
	OnDisconnect func()
	OnMode       func(mode string) // "speaking" or "listening"
	OnError      func(err error)
}

// Transport establishes the real-time audio channel for a call session.
// Implementations: ManagedTransport (signed-URL WebSocket session) and
// PeerTransport (pion WebRTC offer/answer with a tool data channel).
type Transport interface {
	Start(ctx context.Context, cred Credential, mic *MicrophoneHandle, events TransportEvents) error
	End() error
}

// CallSession is the orchestrating state machine for one voice call. It
// sequences microphone acquisition, credential exchange and transport
// startup, tracks state and duration for the presentation layer, and
// guarantees that microphone and transport resources are released on every
// exit path.
type CallSession struct {
	mic       MicrophoneSource
	creds     CredentialClient
	transport Transport

	// tick is the duration-timer interval. Tests shrink it to simulate
	// elapsed seconds quickly.
	tick time.Duration

	mu            sync.Mutex
	id            string
	state         CallState
	duration      int
	errMsg        string
	micHandle     *MicrophoneHandle
	transportLive bool
	timerStop     chan struct{}
	busy          bool
	onChange      func(CallState)
}

// NewCallSession creates a call session wired to the given microphone
// source, credential client and transport.
func NewCallSession(mic MicrophoneSource, creds CredentialClient, transport Transport) *CallSession {
	return &CallSession{
		mic:       mic,
		creds:     creds,
		transport: transport,
		tick:      time.Second,
		state:     CallStateIdle,
	}
}

// OnStateChange registers an observer invoked after every state transition.
// Intended for the presentation layer; must not call back into the session.
func (s *CallSession) OnStateChange(fn func(CallState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current call state.
func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Duration returns the elapsed seconds since the session entered connected.
func (s *CallSession) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// ErrorMessage returns the failure description, or "" outside the error state.
func (s *CallSession) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// IsConnected reports whether the call is in an active state.
func (s *CallSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isActiveState(s.state)
}

func isActiveState(st CallState) bool {
	return st == CallStateConnected || st == CallStateSpeaking || st == CallStateListening
}

// Start begins a new call: acquire microphone, fetch a fresh credential,
// start the transport. A second invocation while one is already in flight
// is rejected as a no-op. Any residue from a previous call is released
// before the new attempt begins.
func (s *CallSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		log.Printf("⚠️ Call start ignored: another start/end is in flight")
		return nil
	}
	s.busy = true
	s.id = uuid.NewString()
	s.errMsg = ""
	id := s.id
	s.setStateLocked(CallStateConnecting)
	s.mu.Unlock()
	defer s.clearBusy()

	log.Printf("📞 Starting call session %s", id)

	// No residue from a prior call may survive.
	s.releaseResources()

	handle, err := s.mic.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		s.fail(err)
		return err
	}
	s.mu.Lock()
	s.micHandle = handle
	s.mu.Unlock()

	cred, err := s.creds.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrCredentialFetch, err)
		s.fail(err)
		return err
	}

	events := TransportEvents{
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnMode:       s.handleMode,
		OnError:      s.handleTransportError,
	}
	if err := s.transport.Start(ctx, cred, handle, events); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.transportLive = true
	s.mu.Unlock()
	return nil
}

// End terminates the call gracefully. Safe to call multiple times and when
// no session is active; a transport teardown failure is logged but never
// blocks the transition to ended.
func (s *CallSession) End() error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		log.Printf("⚠️ Call end ignored: another start/end is in flight")
		return nil
	}
	if s.state == CallStateIdle || s.state == CallStateEnded || s.state == CallStateError {
		s.mu.Unlock()
		return nil
	}
	s.busy = true
	id := s.id
	s.mu.Unlock()
	defer s.clearBusy()

	log.Printf("☎️ Ending call session %s", id)
	s.releaseResources()
	s.setState(CallStateEnded)
	return nil
}

// Reset forces full resource release and returns the session to idle,
// clearing duration and error. The call modal may be reopened many times in
// one page lifetime; Reset guarantees nothing survives from the last call.
// Like Start and End it yields to an in-flight operation, otherwise it could
// finish first and leave the operation's resources on an "idle" session.
func (s *CallSession) Reset() {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		log.Printf("⚠️ Call reset ignored: another start/end is in flight")
		return
	}
	s.busy = true
	s.mu.Unlock()

	s.releaseResources()
	s.mu.Lock()
	s.busy = false
	s.duration = 0
	s.errMsg = ""
	s.setStateLocked(CallStateIdle)
	s.mu.Unlock()
}

func (s *CallSession) clearBusy() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// fail releases every held resource and enters the error state with a
// descriptive message. Resources are released on the same turn as the
// transition - no leaked handles survive a terminal state.
func (s *CallSession) fail(err error) {
	log.Printf("❌ Call session failed: %v", err)
	s.releaseResources()
	s.mu.Lock()
	s.errMsg = err.Error()
	s.setStateLocked(CallStateError)
	s.mu.Unlock()
}

// releaseResources atomically takes ownership of the held handles, nulls
// them out, then releases them. Every teardown path funnels through here.
func (s *CallSession) releaseResources() {
	s.mu.Lock()
	handle := s.micHandle
	s.micHandle = nil
	live := s.transportLive
	s.transportLive = false
	stop := s.timerStop
	s.timerStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if live {
		if err := s.transport.End(); err != nil {
			log.Printf("⚠️ Transport teardown error (ignored): %v", err)
		}
	}
	handle.Release()
}

// handleConnect is fired by the transport when the provider reports the
// session is live. A stale connect arriving after the session terminated
// (or was reset) must not revive it - no resources are held anymore.
func (s *CallSession) handleConnect() {
	s.mu.Lock()
	if s.state == CallStateIdle || s.state == CallStateEnded || s.state == CallStateError {
		s.mu.Unlock()
		log.Printf("⚠️ Stale connect event ignored")
		return
	}
	s.setStateLocked(CallStateConnected)
	s.mu.Unlock()
	s.startTimer()
	log.Printf("✅ Call connected")
}

func (s *CallSession) handleDisconnect() {
	s.mu.Lock()
	if s.state == CallStateEnded || s.state == CallStateError {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(CallStateEnded)
	s.mu.Unlock()
	log.Printf("☎️ Call disconnected by provider")
	s.releaseResources()
}

func (s *CallSession) handleMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isActiveState(s.state) {
		return
	}
	switch mode {
	case "speaking":
		s.setStateLocked(CallStateSpeaking)
	case "listening":
		s.setStateLocked(CallStateListening)
	}
}

func (s *CallSession) handleTransportError(err error) {
	s.fail(fmt.Errorf("%w: %v", ErrTransport, err))
}

// startTimer resets duration to 0 and starts the once-per-second tick. Any
// previous timer is stopped first so two can never run at once.
func (s *CallSession) startTimer() {
	s.mu.Lock()
	if s.timerStop != nil {
		close(s.timerStop)
	}
	stop := make(chan struct{})
	s.timerStop = stop
	s.duration = 0
	tick := s.tick
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.mu.Lock()
				if isActiveState(s.state) {
					s.duration++
				}
				s.mu.Unlock()
			}
		}
	}()
}

// setStateLocked transitions state and notifies the observer. Caller holds mu.
func (s *CallSession) setStateLocked(st CallState) {
	s.state = st
	if s.onChange != nil {
		fn := s.onChange
		go fn(st)
	}
}

func (s *CallSession) setState(st CallState) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}
