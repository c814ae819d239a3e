package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultElevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsClient fetches signed conversation URLs for the configured
// agent, keeping the API key server-side.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(apiKey string) *ElevenLabsClient {
	return &ElevenLabsClient{
		apiKey:     apiKey,
		baseURL:    defaultElevenLabsBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetSignedURL requests a pre-authorized, time-limited conversation URL for
// the given agent.
func (c *ElevenLabsClient) GetSignedURL(agentID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s",
		strings.TrimSuffix(c.baseURL, "/"), url.QueryEscape(agentID))

	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ElevenLabs API error: %s - %s", resp.Status, string(body))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	if payload.SignedURL == "" {
		return "", fmt.Errorf("no signed_url returned from ElevenLabs")
	}

	return payload.SignedURL, nil
}
