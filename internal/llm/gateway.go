package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/chatrelay/pkg/models"
)

// Options configures the connection to the Ollama backend.
type Options struct {
	ServerURL   string  `json:"server_url"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// Timeout bounds a single completion call. Zero means DefaultTimeout.
	Timeout time.Duration `json:"-"`
}

// DefaultTimeout bounds a completion call when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// Gateway adapts a conversation into a single blocking request against the
// Ollama backend. It performs no retries and never touches history or
// outbound chat events; failures come back as *InferenceError.
type Gateway struct {
	llm  llms.Model
	opts Options
}

// New creates a gateway for the configured Ollama server.
func New(opts Options) (*Gateway, error) {
	if opts.ServerURL == "" {
		opts.ServerURL = "http://localhost:11434"
	}
	if opts.Model == "" {
		return nil, errors.New("ollama model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	httpClient := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			ResponseHeaderTimeout: opts.Timeout,
			TLSHandshakeTimeout:   10 * time.Second,
		},
	}
	if opts.APIKey != "" {
		httpClient.Transport = &authTransport{
			apiKey: opts.APIKey,
			next:   httpClient.Transport,
		}
	}

	model, err := ollama.New(
		ollama.WithServerURL(opts.ServerURL),
		ollama.WithModel(opts.Model),
		ollama.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("server_url", opts.ServerURL).
		Str("model", opts.Model).
		Float64("temperature", opts.Temperature).
		Msg("Created Ollama gateway")

	return &Gateway{llm: model, opts: opts}, nil
}

// Complete sends the full (already capped) conversation to the backend and
// returns the assistant's reply. The error, when non-nil, is always an
// *InferenceError.
func (g *Gateway) Complete(ctx context.Context, turns []models.Turn) (string, error) {
	messages := make([]llms.MessageContent, 0, len(turns))
	for _, turn := range turns {
		msgType := llms.ChatMessageTypeHuman
		if turn.Role == models.RoleAssistant {
			msgType = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(msgType, turn.Content))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	callOptions := []llms.CallOption{
		llms.WithTemperature(g.opts.Temperature),
	}
	if g.opts.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(g.opts.MaxTokens))
	}

	start := time.Now()
	resp, err := g.llm.GenerateContent(callCtx, messages, callOptions...)
	if err != nil {
		kind := classifyError(err)
		log.Warn().Err(err).
			Int("kind", int(kind)).
			Dur("elapsed", time.Since(start)).
			Msg("Completion request failed")
		return "", &InferenceError{Kind: kind, Err: err}
	}

	if resp == nil || len(resp.Choices) == 0 {
		return "", &InferenceError{Kind: KindMalformed, Err: errors.New("backend returned no choices")}
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", &InferenceError{Kind: KindMalformed, Err: errors.New("backend returned an empty completion")}
	}

	log.Debug().
		Dur("elapsed", time.Since(start)).
		Int("turns", len(turns)).
		Msg("Completion succeeded")

	return content, nil
}

// classifyError maps backend errors onto the gateway's error kinds. Timeouts
// and connection problems count as unreachable; a "model not found" answer
// from the backend counts as a missing model.
func classifyError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnreachable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "model") && (strings.Contains(msg, "not found") || strings.Contains(msg, "not exist")):
		return KindModelMissing
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindUnreachable
	default:
		return KindUnreachable
	}
}

// authTransport injects the bearer token for Ollama deployments that sit
// behind an authenticating proxy.
type authTransport struct {
	apiKey string
	next   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.next.RoundTrip(req)
}
