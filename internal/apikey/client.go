// Package apikey consulta el servicio externo que valida API keys opacas.
package apikey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dropDatabas3/credgate/internal/metrics"
)

const (
	DefaultTimeout = 3 * time.Second
	maxBodyBytes   = 64 << 10
)

var (
	// ErrInvalidKey: el servicio respondió y no avaló la key.
	ErrInvalidKey = errors.New("apikey: key rejected")
	// ErrUnavailable: no se pudo contactar al servicio o respondió basura.
	ErrUnavailable = errors.New("apikey: service unavailable")
)

// HTTPDoer lo satisface *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Identity es lo que devuelve el servicio para una key válida.
type Identity struct {
	Subject     string   `json:"subject"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	AppID       string   `json:"appId"`
}

type validateRequest struct {
	Key string `json:"key"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
	Identity
}

// Client es seguro para uso concurrente.
type Client struct {
	url  string
	http HTTPDoer
}

type Option func(*Client)

func WithHTTPClient(d HTTPDoer) Option { return func(c *Client) { c.http = d } }

// New arma un cliente para el endpoint de validación en url. Un timeout cero
// equivale a DefaultTimeout.
func New(url string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{url: url, http: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Validate consulta al servicio por key. Devuelve ErrInvalidKey ante cualquier
// respuesta que no sea 200 con valid=true y subject, y ErrUnavailable
// (envolviendo la causa) si no hubo respuesta utilizable.
func (c *Client) Validate(ctx context.Context, key string) (*Identity, error) {
	start := time.Now()
	id, err := c.validate(ctx, key)
	metrics.APIKeyCalls.WithLabelValues(callResult(err)).Observe(time.Since(start).Seconds())
	return id, err
}

func (c *Client) validate(ctx context.Context, key string) (*Identity, error) {
	body, err := json.Marshal(validateRequest{Key: key})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("%w: status %d", ErrInvalidKey, resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if !out.Valid || out.Subject == "" {
		return nil, ErrInvalidKey
	}
	id := out.Identity
	return &id, nil
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrInvalidKey):
		return "invalid"
	default:
		return "error"
	}
}
