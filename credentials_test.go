package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedURLClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/signed-url", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"signedUrl": "wss://api.elevenlabs.io/convai?token=abc"}`))
	}))
	defer srv.Close()

	client := NewSignedURLClient(srv.URL)
	cred, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://api.elevenlabs.io/convai?token=abc", cred.SignedURL)
}

func TestSignedURLClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Missing ElevenLabs configuration"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewSignedURLClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSignedURLClientMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewSignedURLClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
}

func TestSignedURLClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewSignedURLClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
}

func TestRealtimeSessionClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/realtime-session", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token": "ek_abc", "sessionId": "sess_1", "model": "gpt-4o-realtime-preview"}`))
	}))
	defer srv.Close()

	client := NewRealtimeSessionClient(srv.URL)
	cred, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ek_abc", cred.Token)
	assert.Equal(t, "sess_1", cred.SessionID)
	assert.Equal(t, "gpt-4o-realtime-preview", cred.Model)
}

func TestRealtimeSessionClientNoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sessionId": "sess_1"}`))
	}))
	defer srv.Close()

	_, err := NewRealtimeSessionClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestRealtimeSessionClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Realtime session creation failed"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewRealtimeSessionClient(srv.URL).Fetch(context.Background())
	require.Error(t, err)
}
