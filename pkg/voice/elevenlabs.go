// Package voice converts answer text into spoken audio using a per-book
// trained voice identity.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultSynthesisModel    = "eleven_multilingual_v2"
)

// Reason classifies a synthesis failure. All reasons degrade the chat turn to
// text-only; none of them abort it.
type Reason string

const (
	ReasonTimeout       Reason = "timeout"
	ReasonVoiceNotFound Reason = "voice_not_found"
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonProvider      Reason = "provider_error"
)

// SynthesisError wraps a provider failure with its reason code.
type SynthesisError struct {
	Reason Reason
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("voice synthesis failed (%s): %v", e.Reason, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ElevenLabsClient calls the ElevenLabs text-to-speech API.
type ElevenLabsClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// ElevenLabsOption customizes the client.
type ElevenLabsOption func(*ElevenLabsClient)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(baseURL string) ElevenLabsOption {
	return func(c *ElevenLabsClient) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithTimeout bounds each synthesis call.
func WithTimeout(timeout time.Duration) ElevenLabsOption {
	return func(c *ElevenLabsClient) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithModel overrides the synthesis model id.
func WithModel(model string) ElevenLabsOption {
	return func(c *ElevenLabsClient) {
		if strings.TrimSpace(model) != "" {
			c.model = strings.TrimSpace(model)
		}
	}
}

// NewElevenLabsClient constructs a client with the provided API key.
func NewElevenLabsClient(apiKey string, options ...ElevenLabsOption) (*ElevenLabsClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key required")
	}
	c := &ElevenLabsClient{
		apiKey:     apiKey,
		model:      defaultSynthesisModel,
		baseURL:    defaultElevenLabsBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// Generate returns synthesized MP3 bytes for the text in the given voice.
// Failures carry a *SynthesisError.
func (c *ElevenLabsClient) Generate(ctx context.Context, text, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Reason: ReasonProvider, Err: errors.New("synthesis text required")}
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, &SynthesisError{Reason: ReasonVoiceNotFound, Err: errors.New("voice id required")}
	}

	body, err := json.Marshal(ttsRequest{Text: text, ModelID: c.model})
	if err != nil {
		return nil, &SynthesisError{Reason: ReasonProvider, Err: err}
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &SynthesisError{Reason: ReasonProvider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		reason := ReasonProvider
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			reason = ReasonTimeout
		}
		return nil, &SynthesisError{Reason: reason, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &SynthesisError{Reason: classifyStatus(resp.StatusCode), Err: readProviderError(resp)}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SynthesisError{Reason: ReasonProvider, Err: err}
	}
	if len(audio) == 0 {
		return nil, &SynthesisError{Reason: ReasonProvider, Err: errors.New("empty audio response")}
	}
	return audio, nil
}

func classifyStatus(status int) Reason {
	switch status {
	case http.StatusNotFound:
		return ReasonVoiceNotFound
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return ReasonQuotaExceeded
	default:
		return ReasonProvider
	}
}

func readProviderError(resp *http.Response) error {
	var errResp ttsErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp); err == nil {
		if msg := errResp.Detail.Message; msg != "" {
			return fmt.Errorf("elevenlabs api error: %s", msg)
		}
	}
	return fmt.Errorf("elevenlabs api error: %s", resp.Status)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

type ttsErrorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}
