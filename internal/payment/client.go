package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/vasiliy-maslov/storefront/internal/config"
	"github.com/vasiliy-maslov/storefront/internal/metrics"
)

const (
	OperationInitialize = "initialize"
	OperationVerify     = "verify"

	StatusSuccess = "success"

	maxBodyBytes = 1 << 20
)

// ErrGatewayUnavailable is returned without contacting the provider while the
// circuit breaker is open.
var ErrGatewayUnavailable = errors.New("payment gateway temporarily unavailable")

var ErrMalformedResponse = errors.New("malformed payment gateway response")

// GatewayError describes a failed exchange with the provider. StatusCode is
// zero when no response was received.
type GatewayError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("payment %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("payment %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// clientFault reports a 4xx answer, which says nothing about provider health.
func (e *GatewayError) clientFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type Customization struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type InitializeRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Email         string
	FirstName     string
	LastName      string
	TxRef         string
	ReturnURL     string
	CallbackURL   string
	Customization *Customization
}

type initializeBody struct {
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	Email         string         `json:"email"`
	FirstName     string         `json:"first_name"`
	LastName      string         `json:"last_name"`
	TxRef         string         `json:"tx_ref"`
	ReturnURL     string         `json:"return_url,omitempty"`
	CallbackURL   string         `json:"callback_url,omitempty"`
	Customization *Customization `json:"customization,omitempty"`
}

type InitializeResult struct {
	CheckoutURL string
	Raw         json.RawMessage
}

type VerifyResult struct {
	Status string
	Data   json.RawMessage
	Raw    json.RawMessage
}

// Settled reports whether the provider confirmed the payment.
func (r VerifyResult) Settled() bool {
	return r.Status == StatusSuccess
}

type envelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type Gateway interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, txRef string) (*VerifyResult, error)
}

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	metrics    *metrics.Metrics
}

type Option func(*Client)

// WithBreakerSettings replaces the default breaker thresholds. IsSuccessful is
// always overridden so that 4xx responses do not trip it.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(cl *Client) { cl.breaker = newBreaker(st) }
}

func NewClient(cfg config.PaymentConfig, m *metrics.Metrics, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
		breaker: newBreaker(gobreaker.Settings{
			Name:        "chapa",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newBreaker(st gobreaker.Settings) *gobreaker.CircuitBreaker[[]byte] {
	st.IsSuccessful = func(err error) bool {
		if err == nil || errors.Is(err, context.Canceled) {
			return true
		}
		var gwErr *GatewayError
		return errors.As(err, &gwErr) && gwErr.clientFault()
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("payment: circuit breaker state changed")
	}
	return gobreaker.NewCircuitBreaker[[]byte](st)
}

// Initialize opens a hosted checkout session for the given transaction.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	body := initializeBody{
		Amount:        req.Amount.StringFixed(2),
		Currency:      req.Currency,
		Email:         req.Email,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		TxRef:         req.TxRef,
		ReturnURL:     req.ReturnURL,
		CallbackURL:   req.CallbackURL,
		Customization: req.Customization,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payment: failed to encode initialize request: %w", err)
	}

	raw, err := c.do(ctx, OperationInitialize, http.MethodPost, "/transaction/initialize", payload)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	var data struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
	}
	if data.CheckoutURL == "" {
		return nil, fmt.Errorf("%w: no checkout_url in %s", ErrMalformedResponse, raw)
	}

	return &InitializeResult{CheckoutURL: data.CheckoutURL, Raw: raw}, nil
}

// Verify asks the provider for the current state of a transaction.
func (c *Client) Verify(ctx context.Context, txRef string) (*VerifyResult, error) {
	raw, err := c.do(ctx, OperationVerify, http.MethodGet, "/transaction/verify/"+url.PathEscape(txRef), nil)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return &VerifyResult{Status: env.Status, Data: env.Data, Raw: raw}, nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload []byte) ([]byte, error) {
	start := time.Now()
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, operation, method, path, payload)
	})
	c.metrics.GatewayDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.GatewayRequests.WithLabelValues(operation, "rejected").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	if err != nil {
		c.metrics.GatewayRequests.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	c.metrics.GatewayRequests.WithLabelValues(operation, "ok").Inc()
	return raw, nil
}

func (c *Client) roundTrip(ctx context.Context, operation, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &GatewayError{Operation: operation, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("operation", operation).Msg("payment: request to provider failed")
		return nil, &GatewayError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &GatewayError{Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Str("operation", operation).Int("status", resp.StatusCode).Msg("payment: provider returned non-2xx")
		return nil, &GatewayError{Operation: operation, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
