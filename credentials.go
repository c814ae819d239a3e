package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignedURLClient fetches the pre-authorized conversation URL minted by the
// backend for the managed transport. No caching, no retry - every session
// attempt requests a fresh artifact.
type SignedURLClient struct {
	backendURL string
	httpClient *http.Client
}

// NewSignedURLClient creates a client against the given backend base URL.
func NewSignedURLClient(backendURL string) *SignedURLClient {
	return &SignedURLClient{
		backendURL: strings.TrimSuffix(backendURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch requests a signed conversation URL from the backend.
func (c *SignedURLClient) Fetch(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.backendURL+"/api/signed-url", nil)
	if err != nil {
		return Credential{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("signed URL request failed: %s - %s", resp.Status, string(body))
	}

	var payload struct {
		SignedURL string `json:"signedUrl"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credential{}, err
	}
	if payload.SignedURL == "" {
		return Credential{}, fmt.Errorf("no signedUrl received from server")
	}

	return Credential{SignedURL: payload.SignedURL}, nil
}

// RealtimeSessionClient fetches the ephemeral token and session metadata the
// peer transport needs to negotiate directly with the realtime provider.
type RealtimeSessionClient struct {
	backendURL string
	httpClient *http.Client
}

// NewRealtimeSessionClient creates a client against the given backend base URL.
func NewRealtimeSessionClient(backendURL string) *RealtimeSessionClient {
	return &RealtimeSessionClient{
		backendURL: strings.TrimSuffix(backendURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch creates a fresh realtime session on the backend and returns its
// ephemeral token, session id and model.
func (c *RealtimeSessionClient) Fetch(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.backendURL+"/api/realtime-session", nil)
	if err != nil {
		return Credential{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("realtime session request failed: %s - %s", resp.Status, string(body))
	}

	var payload struct {
		Token     string `json:"token"`
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credential{}, err
	}
	if payload.Token == "" {
		return Credential{}, fmt.Errorf("no token received from server")
	}

	return Credential{
		Token:     payload.Token,
		SessionID: payload.SessionID,
		Model:     payload.Model,
	}, nil
}
