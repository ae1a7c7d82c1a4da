// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// DefaultPromptTemplate renders a state (and optional proof so far) into a
// completion prompt. Fields: .State, .Hint.
const DefaultPromptTemplate = `{{if .Hint}}Complete the following Lean 4 proof:
{{.Hint}}
{{end}}[GOAL]
{{.State}}
[PROOFSTEP]
`

// DevicePlaceholder in BaseURL is replaced with the worker's device id, so
// each worker talks to the inference server pinned to its device.
const DevicePlaceholder = "{device}"

// OpenAIConfig configures an OpenAI-compatible completion oracle.
type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url" validate:"required"`
	Model     string `yaml:"model" json:"model" validate:"required"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	Temperature float32  `yaml:"temperature" json:"temperature" validate:"gte=0"`
	TopP        float32  `yaml:"top_p" json:"top_p" validate:"gt=0,lte=1"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens" validate:"gt=0"`
	Stop        []string `yaml:"stop" json:"stop"`

	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" json:"burst" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`

	PromptTemplate string        `yaml:"prompt_template" json:"prompt_template"`
	Breaker        BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultOpenAIConfig returns the sampling parameters the tactic model was
// tuned with.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:        "http://localhost:8000/v1",
		Model:          "prover",
		APIKeyEnv:      "PROVER_ORACLE_API_KEY",
		Temperature:    1.5,
		TopP:           0.9,
		MaxTokens:      256,
		Timeout:        2 * time.Minute,
		PromptTemplate: DefaultPromptTemplate,
		Breaker:        DefaultBreakerConfig(),
	}
}

// OpenAIOracle samples tactics from an OpenAI-compatible completion server.
//
// Description:
//
//	One request asks for k completions with token log-probabilities. Each
//	completion's text (trimmed) is a tactic and its score is the mean token
//	log-probability. Requests pass through a rate limiter and a circuit
//	breaker. The API key lives in a memguard enclave and is only decrypted
//	while an outgoing request's headers are written.
//
// Thread Safety:
//
//	Safe for concurrent use, although each worker owns its own instance.
type OpenAIOracle struct {
	config OpenAIConfig
	logger *slog.Logger

	mu       sync.RWMutex
	client   *openai.Client
	key      *memguard.Enclave
	limiter  *rate.Limiter
	breaker  *Breaker
	prompt   *template.Template
	ready    bool
	released bool
}

// NewOpenAIOracle creates an oracle. Nothing is contacted until Initialize.
func NewOpenAIOracle(config OpenAIConfig, logger *slog.Logger) *OpenAIOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIOracle{config: config, logger: logger}
}

// NewOpenAIFactory returns a Factory giving each device its own oracle.
func NewOpenAIFactory(config OpenAIConfig, logger *slog.Logger) Factory {
	return func(device string) (Oracle, error) {
		cfg := config
		cfg.BaseURL = strings.ReplaceAll(cfg.BaseURL, DevicePlaceholder, device)
		return NewOpenAIOracle(cfg, logger.With(slog.String("device", device))), nil
	}
}

// Initialize builds the HTTP client, limiter, breaker and prompt template.
func (o *OpenAIOracle) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return nil
	}

	tmplText := o.config.PromptTemplate
	if tmplText == "" {
		tmplText = DefaultPromptTemplate
	}
	tmpl, err := template.New("prompt").Parse(tmplText)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}

	if o.config.APIKeyEnv != "" {
		if v := os.Getenv(o.config.APIKeyEnv); v != "" {
			o.key = memguard.NewEnclave([]byte(v))
		}
	}

	httpClient := &http.Client{
		Timeout:   o.config.Timeout,
		Transport: &keyTransport{base: http.DefaultTransport, key: o.key},
	}
	clientCfg := openai.DefaultConfig("")
	clientCfg.BaseURL = strings.TrimRight(o.config.BaseURL, "/")
	clientCfg.HTTPClient = httpClient
	o.client = openai.NewClientWithConfig(clientCfg)

	limit := rate.Inf
	if o.config.RequestsPerSecond > 0 {
		limit = rate.Limit(o.config.RequestsPerSecond)
	}
	burst := o.config.Burst
	if burst <= 0 {
		burst = 1
	}
	o.limiter = rate.NewLimiter(limit, burst)
	o.breaker = NewBreaker(o.config.Breaker)
	o.prompt = tmpl
	o.ready = true
	o.released = false

	o.logger.Info("oracle initialized",
		slog.String("base_url", clientCfg.BaseURL),
		slog.String("model", o.config.Model),
		slog.Bool("api_key", o.key != nil),
	)
	return nil
}

// Ready reports whether Initialize succeeded and Release has not run.
func (o *OpenAIOracle) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ready
}

// Release drops the client and the sealed key.
func (o *OpenAIOracle) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil
	}
	o.ready = false
	o.released = true
	o.client = nil
	o.key = nil
	o.logger.Info("oracle released")
	return nil
}

// Suggest implements Oracle.
func (o *OpenAIOracle) Suggest(ctx context.Context, state string, k int, hint string) ([]string, []float64, error) {
	o.mu.RLock()
	client, limiter, breaker, tmpl, ready := o.client, o.limiter, o.breaker, o.prompt, o.ready
	o.mu.RUnlock()
	if !ready {
		return nil, nil, ErrNotReady
	}
	if k <= 0 {
		return nil, nil, nil
	}

	var prompt bytes.Buffer
	if err := tmpl.Execute(&prompt, struct{ State, Hint string }{state, hint}); err != nil {
		return nil, nil, fmt.Errorf("render prompt: %w", err)
	}

	if !breaker.Allow() {
		return nil, nil, ErrCircuitOpen
	}
	if err := limiter.Wait(ctx); err != nil {
		// Nothing reached the server; free a half-open probe slot.
		breaker.Success()
		return nil, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       o.config.Model,
		Prompt:      prompt.String(),
		MaxTokens:   o.config.MaxTokens,
		Temperature: o.config.Temperature,
		TopP:        o.config.TopP,
		N:           k,
		LogProbs:    1,
		Stop:        o.config.Stop,
	})
	if err != nil {
		breaker.Failure()
		return nil, nil, fmt.Errorf("completion: %w", err)
	}
	breaker.Success()

	tactics := make([]string, 0, len(resp.Choices))
	scores := make([]float64, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		tactic := strings.TrimSpace(choice.Text)
		if tactic == "" {
			continue
		}
		tactics = append(tactics, tactic)
		scores = append(scores, meanLogprob(choice.LogProbs.TokenLogprobs))
	}
	observeCandidates(len(tactics))
	return tactics, scores, nil
}

// meanLogprob is the cumulative log-probability divided by the token count.
func meanLogprob(lp []float32) float64 {
	if len(lp) == 0 {
		return 0
	}
	var sum float64
	for _, v := range lp {
		sum += float64(v)
	}
	return sum / float64(len(lp))
}

// keyTransport injects the bearer token from the enclave per request.
type keyTransport struct {
	base http.RoundTripper
	key  *memguard.Enclave
}

func (t *keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key == nil {
		req = req.Clone(req.Context())
		req.Header.Del("Authorization")
		return t.base.RoundTrip(req)
	}
	buf, err := t.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+buf.String())
	buf.Destroy()
	return t.base.RoundTrip(req)
}

var (
	_ Oracle    = (*OpenAIOracle)(nil)
	_ Lifecycle = (*OpenAIOracle)(nil)
)
