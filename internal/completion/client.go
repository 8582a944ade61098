// Package completion talks to an OpenAI-compatible chat completion endpoint
// (OpenRouter by default). Generate never fails outright: quota exhaustion,
// retry exhaustion and hard failures all yield a deterministic fallback text
// with Success=false.
package completion

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/settings"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultBaseURL   = "https://openrouter.ai/api/v1"
	DefaultMaxTokens = 220
	DefaultLimit     = 1000

	systemPrompt = "You are an expressive forum participant."
	maxAttempts  = 3
)

var retryStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	Model       string
	Stop        []string
}

type Result struct {
	Success bool
	Text    string
	Raw     *openai.ChatCompletionResponse
	Error   string
}

// Generator is what the generation queue needs from a completion backend.
type Generator interface {
	Generate(ctx context.Context, req Request) Result
	Remaining(ctx context.Context) int
}

type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	DefaultMaxTokens int
	DailyLimit       int
	OfflineWindow    time.Duration
	Title            string
	Referer          string
	Timeout          time.Duration
}

type Client struct {
	cfg      Config
	api      *openai.Client
	usage    forum.UsageRepository
	settings *settings.Settings
	logger   *log.Logger

	mu           sync.Mutex
	offlineUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a client. usage may be nil, in which case the daily quota is
// not tracked. st, when set, overrides cfg.DailyLimit through the
// COMPLETION_DAILY_LIMIT key.
func New(cfg Config, usage forum.UsageRepository, st *settings.Settings, logger *log.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultLimit
	}
	if cfg.OfflineWindow <= 0 {
		cfg.OfflineWindow = 300 * time.Second
	}
	if cfg.OfflineWindow < 5*time.Second {
		cfg.OfflineWindow = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: headerTransport{title: cfg.Title, referer: cfg.Referer, base: http.DefaultTransport},
	}
	return &Client{
		cfg:      cfg,
		api:      openai.NewClientWithConfig(oc),
		usage:    usage,
		settings: st,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
}

type headerTransport struct {
	title, referer string
	base           http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.title == "" && t.referer == "" {
		return t.base.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	if t.title != "" {
		r.Header.Set("X-Title", t.title)
	}
	if t.referer != "" {
		r.Header.Set("HTTP-Referer", t.referer)
	}
	return t.base.RoundTrip(r)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) day() string { return c.now().Format("2006-01-02") }

func (c *Client) limit(ctx context.Context) int {
	if c.settings != nil {
		return c.settings.GetInt(ctx, settings.CompletionDailyLimit, c.cfg.DailyLimit)
	}
	return c.cfg.DailyLimit
}

// Remaining is the number of requests left today; 0 without an API key.
func (c *Client) Remaining(ctx context.Context) int {
	if c.cfg.APIKey == "" {
		return 0
	}
	if c.usage == nil {
		return c.limit(ctx)
	}
	used, err := c.usage.UsageOn(ctx, c.day())
	if err != nil {
		c.logger.Printf("completion: usage lookup: %v", err)
		return 0
	}
	return max(c.limit(ctx)-used, 0)
}

func (c *Client) markOffline(reason string) {
	c.mu.Lock()
	c.offlineUntil = c.now().Add(c.cfg.OfflineWindow)
	c.mu.Unlock()
	c.logger.Printf("completion: marked offline (%s); retry after %s", reason, c.cfg.OfflineWindow)
}

// Offline reports whether the breaker window is open, closing it once it
// has elapsed.
func (c *Client) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offlineUntil.IsZero() {
		return false
	}
	if !c.now().Before(c.offlineUntil) {
		c.offlineUntil = time.Time{}
		return false
	}
	return true
}

func (c *Client) fallback(req Request, errText string) Result {
	return Result{Success: false, Text: FallbackText(req.Prompt), Error: errText}
}

func (c *Client) Generate(ctx context.Context, req Request) Result {
	if c.Remaining(ctx) <= 0 {
		c.logger.Printf("completion: quota exhausted or API key missing; using fallback text")
		return c.fallback(req, "quota")
	}
	if c.Offline() {
		return c.fallback(req, "offline")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.DefaultMaxTokens
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	body := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.Stop,
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.api.CreateChatCompletion(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return c.fallback(req, ctx.Err().Error())
			}
			status := statusOf(err)
			if retryStatus[status] {
				delay := time.Duration(1500*attempt) * time.Millisecond
				c.logger.Printf("completion: status %d; retrying in %s", status, delay)
				if serr := c.sleep(ctx, delay); serr != nil {
					return c.fallback(req, serr.Error())
				}
				continue
			}
			switch {
			case status == 401 || status == 403:
				c.markOffline("auth_" + strconv.Itoa(status))
			case status == 404:
				c.markOffline("endpoint_404")
			case status != 0:
				c.markOffline("status_" + strconv.Itoa(status))
			default:
				c.markOffline("network_error")
			}
			return c.fallback(req, err.Error())
		}
		if len(resp.Choices) == 0 {
			c.markOffline("missing_choices")
			r := c.fallback(req, "missing_choices")
			r.Raw = &resp
			return r
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		if c.usage != nil {
			if err := c.usage.IncrementUsage(ctx, c.day(), 1); err != nil {
				c.logger.Printf("completion: usage increment: %v", err)
			}
		}
		return Result{Success: true, Text: text, Raw: &resp}
	}
	return c.fallback(req, "retries exhausted")
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// FallbackText derives a placeholder from the last prompt line.
func FallbackText(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	snippet := lines[len(lines)-1]
	if r := []rune(snippet); len(r) > 200 {
		snippet = string(r[:200])
	}
	return "(offline ghostship placeholder) " + strings.ReplaceAll(snippet, "You are", "I'm")
}
