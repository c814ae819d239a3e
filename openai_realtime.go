package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIRealtimeClient mints ephemeral realtime sessions so the browser
// never sees the long-lived API key.
type OpenAIRealtimeClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIRealtimeClient creates a new OpenAI Realtime client.
func NewOpenAIRealtimeClient(apiKey string) *OpenAIRealtimeClient {
	return &OpenAIRealtimeClient{
		apiKey:     apiKey,
		baseURL:    defaultOpenAIBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// realtimeSessionResponse is the shape of the sessions endpoint response.
type realtimeSessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Instructions string `json:"instructions"`
	Voice        string `json:"voice"`
}

// RealtimeSessionInfo carries the ephemeral session configuration returned
// to the caller.
type RealtimeSessionInfo struct {
	Token        string
	SessionID    string
	Model        string
	Instructions string
	Voice        string
}

// CreateSession creates an ephemeral realtime session configured with the
// given instructions, voice and tools, and returns its short-lived token.
func (c *OpenAIRealtimeClient) CreateSession(model, voice, instructions string, tools []map[string]interface{}) (*RealtimeSessionInfo, error) {
	reqBody := map[string]interface{}{
		"model":        model,
		"voice":        voice,
		"instructions": instructions,
		"tools":        tools,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", strings.TrimSuffix(c.baseURL, "/")+"/v1/realtime/sessions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to create realtime session: %s - %s", resp.Status, string(body))
	}

	var sessionResp realtimeSessionResponse
	if err := json.Unmarshal(body, &sessionResp); err != nil {
		return nil, err
	}

	if sessionResp.ClientSecret.Value == "" {
		return nil, fmt.Errorf("no client_secret returned from OpenAI")
	}

	log.Printf("✅ Realtime session %s created, token expires at %d", sessionResp.ID, sessionResp.ClientSecret.ExpiresAt)

	return &RealtimeSessionInfo{
		Token:        sessionResp.ClientSecret.Value,
		SessionID:    sessionResp.ID,
		Model:        model,
		Instructions: sessionResp.Instructions,
		Voice:        sessionResp.Voice,
	}, nil
}
