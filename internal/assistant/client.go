// Package assistant отвечает на свободные вопросы через OpenAI-совместимый chat completions API.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/go-resiliency/retrier"
	log "github.com/sirupsen/logrus"

	"github.com/frost56k/cm-bot/internal/version"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "deepseek/deepseek-chat:free"
	DefaultTitle   = "Coffee Master Bot"

	defaultTimeout          = 60 * time.Second
	defaultRetries          = 2
	defaultRetryDelay       = 500 * time.Millisecond
	defaultBreakerFailures  = 5
	defaultBreakerSuccesses = 1
	defaultBreakerTimeout   = 30 * time.Second

	maxErrorBody = 512
)

var (
	// ErrEmptyReply — модель вернула ответ без текста.
	ErrEmptyReply = errors.New("assistant returned empty reply")
	// ErrUnavailable — сервис временно отключён после серии отказов.
	ErrUnavailable = errors.New("assistant is temporarily unavailable")
)

// StatusError — ответ API с кодом не из 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completions returned %d: %s", e.Code, e.Body)
}

// Temporary сообщает, что запрос можно повторить.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// Message — реплика в запросе к модели.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClientOptions задаёт параметры клиента.
type ClientOptions struct {
	BaseURL    string
	Model      string
	Referer    string
	Title      string
	HTTPClient *http.Client
	Logger     *log.Entry
	Retries    int
	RetryDelay time.Duration
}

// ClientOption настраивает Client.
type ClientOption func(*ClientOptions)

func WithBaseURL(url string) ClientOption {
	return func(opts *ClientOptions) { opts.BaseURL = url }
}

func WithModel(model string) ClientOption {
	return func(opts *ClientOptions) { opts.Model = model }
}

// WithReferer задаёт заголовок HTTP-Referer, по которому OpenRouter атрибутирует приложение.
func WithReferer(referer string) ClientOption {
	return func(opts *ClientOptions) { opts.Referer = referer }
}

func WithHTTPClient(c *http.Client) ClientOption {
	return func(opts *ClientOptions) { opts.HTTPClient = c }
}

func WithClientLogger(logger *log.Entry) ClientOption {
	return func(opts *ClientOptions) { opts.Logger = logger }
}

// WithRetries задаёт число повторов и начальную задержку экспоненциального backoff.
func WithRetries(retries int, delay time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.Retries = retries
		opts.RetryDelay = delay
	}
}

// Client вызывает /chat/completions.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	referer  string
	title    string
	http     *http.Client
	retrier  *retrier.Retrier
	breaker  *breaker.Breaker
	logger   *log.Entry
}

// NewClient создаёт клиент. Пустой apiKey допустим для локальных совместимых серверов.
func NewClient(apiKey string, options ...ClientOption) *Client {
	opts := ClientOptions{
		BaseURL:    DefaultBaseURL,
		Model:      DefaultModel,
		Title:      DefaultTitle,
		Retries:    defaultRetries,
		RetryDelay: defaultRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "assistant-client")
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	return &Client{
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		apiKey:   apiKey,
		model:    opts.Model,
		referer:  opts.Referer,
		title:    opts.Title,
		http:     opts.HTTPClient,
		retrier:  retrier.New(retrier.ExponentialBackoff(opts.Retries, opts.RetryDelay), transientClassifier{}),
		breaker:  breaker.New(defaultBreakerFailures, defaultBreakerSuccesses, defaultBreakerTimeout),
		logger:   opts.Logger,
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete отправляет историю и возвращает текст ответа модели.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(completionRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	var reply string
	err = c.breaker.Run(func() error {
		return c.retrier.RunCtx(ctx, func(ctx context.Context) error {
			var callErr error
			reply, callErr = c.call(ctx, body)
			if callErr != nil {
				c.logger.WithError(callErr).Debug("chat completion attempt failed")
			}
			return callErr
		})
	})
	if errors.Is(err, breaker.ErrBreakerOpen) {
		return "", ErrUnavailable
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}
	return parsed.Choices[0].Message.Content, nil
}

// transientClassifier повторяет сетевые ошибки, 429 и 5xx.
type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retrier.Fail
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return retrier.Retry
		}
		return retrier.Fail
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retrier.Retry
	}
	return retrier.Fail
}
