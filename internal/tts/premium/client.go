// Package premium implements the metered vendor speech backend.
//
// VendorClient speaks the vendor's JSON protocol. Backend layers the voice
// catalog, script detection, input truncation and the audio cache on top of
// it and implements core.SpeechBackend.
package premium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/tts/audio"
)

// API endpoints and paths.
const (
	apiSpeech = "/v1/speech"
	apiHealth = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

const (
	defaultProvider = "vendor"
	defaultTimeout  = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for diagnostics.
	maxErrorBody = 4096

	serverErrorThreshold = 500
)

// Error codes assigned when the vendor does not supply one.
const (
	codeRequestFailed = "request_failed"
	codeBadResponse   = "bad_response"
	codeEmptyAudio    = "empty_audio"
	codeCorruptAudio  = "corrupt_audio"
	codeHTTPStatus    = "http_status"
)

// ErrTextCannotBeEmpty is returned when a speech request has no input.
var ErrTextCannotBeEmpty = errors.New("text cannot be empty")

// SpeechRequest is the JSON body of a vendor speech request.
type SpeechRequest struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Model          string  `json:"model"`
	Language       string  `json:"language"`
	Speed          float64 `json:"speed"`
}

type speechResponse struct {
	AudioBase64 string `json:"audio_base64"`
}

// errorResponse is the vendor's structured error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// VendorClient is an HTTP client for the premium speech vendor.
type VendorClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	provider   string
}

// ClientOption configures a VendorClient.
type ClientOption func(*VendorClient)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *VendorClient) {
		c.apiKey = key
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *VendorClient) {
		c.httpClient = client
	}
}

// WithProvider sets the provider name reported in synthesis errors.
func WithProvider(name string) ClientOption {
	return func(c *VendorClient) {
		c.provider = name
	}
}

// NewVendorClient creates a client for the vendor at baseURL. A zero timeout
// uses a 30 second default.
func NewVendorClient(baseURL string, timeout time.Duration, opts ...ClientOption) *VendorClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &VendorClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     "",
		provider:   defaultProvider,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Provider returns the provider name used in errors.
func (c *VendorClient) Provider() string {
	return c.provider
}

// GenerateSpeech sends a speech request and returns the decoded audio bytes.
// Every failure other than input validation is a *core.SynthesisError.
func (c *VendorClient) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.Input == "" {
		return nil, ErrTextCannotBeEmpty
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSpeech, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	if c.apiKey != "" {
		httpReq.Header.Set(headerAuthorization, bearerPrefix+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.newError(codeRequestFailed, 0, "request to "+c.baseURL+" failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var decoded speechResponse

	err = json.NewDecoder(resp.Body).Decode(&decoded)
	if err != nil {
		return nil, c.newError(codeBadResponse, resp.StatusCode, "failed to decode response", err, true)
	}

	audioData, err := base64.StdEncoding.DecodeString(decoded.AudioBase64)
	if err != nil {
		return nil, c.newError(codeBadResponse, resp.StatusCode, "audio is not valid base64", err, false)
	}

	if len(audioData) == 0 {
		return nil, c.newError(codeEmptyAudio, resp.StatusCode, "received empty audio data", nil, true)
	}

	if audio.LooksLikeErrorEnvelope(audioData) {
		return nil, c.newError(codeCorruptAudio, resp.StatusCode, "audio payload is an error document", nil, false)
	}

	return audioData, nil
}

// HealthCheck verifies that the vendor endpoint is reachable and healthy.
func (c *VendorClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse decodes the vendor error envelope, falling back to the
// raw body so diagnostics are never lost.
func (c *VendorClient) parseErrorResponse(resp *http.Response) error {
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= serverErrorThreshold

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope errorResponse

	err := json.Unmarshal(body, &envelope)
	if err == nil && envelope.Error.Message != "" {
		code := envelope.Error.Code
		if code == "" {
			code = codeHTTPStatus
		}

		return c.newError(code, resp.StatusCode, envelope.Error.Message, nil, retryable)
	}

	return c.newError(codeHTTPStatus, resp.StatusCode, resp.Status+": "+string(body), nil, retryable)
}

func (c *VendorClient) newError(code string, status int, message string, cause error, retryable bool) *core.SynthesisError {
	return &core.SynthesisError{
		Provider:  c.provider,
		Code:      code,
		Status:    status,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}
