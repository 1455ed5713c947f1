package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/credgate/internal/cache"
	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

const (
	DefaultRemoteTTL = 5 * time.Minute
	maxJWKSBytes     = 1 << 20
)

// HTTPDoer lo satisface *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteKeySet resuelve claves desde un endpoint JWKS. El documento se cachea
// por un TTL acotado; al vencer, la próxima búsqueda lo trae de forma
// sincrónica y un fetch fallido se reporta como ErrUpstreamUnavailable. Nunca
// se sirve un documento vencido.
type RemoteKeySet struct {
	url    string
	ttl    time.Duration
	client HTTPDoer
	cache  cache.Client
	clock  clockwork.Clock
	sf     singleflight.Group
}

type RemoteOption func(*RemoteKeySet)

func WithRemoteTTL(d time.Duration) RemoteOption { return func(r *RemoteKeySet) { r.ttl = d } }

func WithHTTPClient(c HTTPDoer) RemoteOption { return func(r *RemoteKeySet) { r.client = c } }

// WithRemoteCache guarda los documentos en c (compartido entre réplicas si c
// usa redis).
func WithRemoteCache(c cache.Client) RemoteOption { return func(r *RemoteKeySet) { r.cache = c } }

func WithRemoteClock(c clockwork.Clock) RemoteOption { return func(r *RemoteKeySet) { r.clock = c } }

func NewRemoteKeySet(url string, opts ...RemoteOption) *RemoteKeySet {
	r := &RemoteKeySet{
		url:    url,
		ttl:    DefaultRemoteTTL,
		client: &http.Client{Timeout: 5 * time.Second},
		clock:  clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.cache == nil {
		r.cache = cache.NewMemory("", r.ttl)
	}
	return r
}

// cachedJWKS es lo que va a la caché. FetchedAt se compara con nuestro reloj,
// así la frescura no depende del expire del backend de caché.
type cachedJWKS struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Doc       json.RawMessage `json:"jwks"`
}

func (r *RemoteKeySet) cacheKey() string { return "jwks:" + r.url }

// KeyByID implementa KeySource.
func (r *RemoteKeySet) KeyByID(ctx context.Context, kid string) (PublicKey, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return PublicKey{}, err
	}
	for _, k := range keys {
		if k.KID == kid {
			return k, nil
		}
	}
	return PublicKey{}, ErrUnknownKey
}

// Keys devuelve el set remoto vigente.
func (r *RemoteKeySet) Keys(ctx context.Context) ([]PublicKey, error) {
	if keys, ok := r.fromCache(ctx); ok {
		return keys, nil
	}

	ch := r.sf.DoChan(r.cacheKey(), func() (any, error) {
		// El fetch sobrevive a la cancelación del primer llamador; lo acota el timeout del cliente.
		return r.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]PublicKey), nil
	}
}

func (r *RemoteKeySet) fromCache(ctx context.Context) ([]PublicKey, bool) {
	b, err := r.cache.Get(ctx, r.cacheKey())
	if err != nil {
		if !cache.IsNotFound(err) {
			logger.From(ctx).Debug("remote jwks cache read failed", logger.Component("remote_jwks"), logger.Err(err))
		}
		return nil, false
	}
	var entry cachedJWKS
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, false
	}
	if !r.clock.Now().Before(entry.FetchedAt.Add(r.ttl)) {
		return nil, false
	}
	keys, err := ParseJWKS(entry.Doc)
	if err != nil {
		return nil, false
	}
	return keys, true
}

func (r *RemoteKeySet) fetch(ctx context.Context) ([]PublicKey, error) {
	log := logger.From(ctx).With(logger.Component("remote_jwks"), logger.String("url", r.url))

	keys, doc, err := r.download(ctx)
	metrics.RemoteJWKSFetches.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		log.Warn("remote jwks fetch failed", logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	entry, _ := json.Marshal(cachedJWKS{FetchedAt: r.clock.Now(), Doc: doc})
	if err := r.cache.Set(ctx, r.cacheKey(), entry, r.ttl); err != nil {
		log.Warn("remote jwks cache write failed", logger.Err(err))
	}
	log.Debug("remote jwks fetched", logger.Count(len(keys)))
	return keys, nil
}

func (r *RemoteKeySet) download(ctx context.Context) ([]PublicKey, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJWKSBytes))
		return nil, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes+1))
	if err != nil {
		return nil, nil, err
	}
	if len(body) > maxJWKSBytes {
		return nil, nil, errors.New("jwks document too large")
	}
	keys, err := ParseJWKS(body)
	if err != nil {
		return nil, nil, err
	}
	return keys, body, nil
}
