// Package transcribe turns recordings into text with the Google Gemini API.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"audiocode-go/internal/appconfig"
	"audiocode-go/internal/logging"
)

// maxResponseBody caps what is read back from the API.
const maxResponseBody = 10 << 20

var (
	ErrAuth         = errors.New("transcribe: api key rejected")
	ErrRateLimit    = errors.New("transcribe: rate limited")
	ErrServer       = errors.New("transcribe: server error")
	ErrNoTranscript = errors.New("transcribe: empty transcript")
)

// Gemini sends audio inline to generateContent and returns the text reply.
type Gemini struct {
	model   string
	apiKey  string
	baseURL string
	prompt  string
	client  *http.Client
	logger  *slog.Logger
}

func NewGemini(cfg appconfig.TranscribeConfig, logger *slog.Logger) *Gemini {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Gemini{
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		prompt:  cfg.Prompt,
		client:  &http.Client{Timeout: timeout},
		logger:  logging.Default(logger),
	}
}

// Transcribe returns the model's transcript of audio, whose MIME type is
// mime (for example audio/wav).
func (g *Gemini) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	parts := []geminiPart{{InlineData: &geminiBlob{MIMEType: mime, Data: audio}}}
	if g.prompt != "" {
		parts = append([]geminiPart{{Text: g.prompt}}, parts...)
	}
	body, err := json.Marshal(geminiRequest{Contents: []geminiContent{{Role: "user", Parts: parts}}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	respBody, err := g.post(ctx, url, body)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	var sb strings.Builder
	if len(resp.Candidates) > 0 {
		for _, p := range resp.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrNoTranscript
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = resp.UsageMetadata.TotalTokenCount
	}
	g.logger.Debug("transcription completed", "model", g.model, "audio_bytes", len(audio), "tokens", tokens)
	return text, nil
}

func (g *Gemini) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func mapHTTPError(status int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimit, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrServer, detail)
	default:
		return errors.New(detail)
	}
}

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

// geminiBlob carries Data base64 encoded, which encoding/json does for []byte.
type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsage struct {
	TotalTokenCount int `json:"totalTokenCount"`
}
