package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const llamaPoolsPath = "/pools"

var hundred = decimal.NewFromInt(100)

// LlamaOptions parameterise the DefiLlama yields fallback.
type LlamaOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Pools maps a source id to the DefiLlama pool identifier.
	Pools map[string]string
	// CacheTTL reuses one pool listing across the reads of a cycle.
	CacheTTL time.Duration
	// RequestsPerMinute throttles the public endpoint.
	RequestsPerMinute int
}

// Llama reads current supply APYs from the DefiLlama yields API.
type Llama struct {
	opts    LlamaOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter

	mu       sync.Mutex
	cached   map[string]decimal.Decimal
	cachedAt time.Time
	now      func() time.Time
}

// NewLlama constructs the fallback rate source.
func NewLlama(opts LlamaOptions, logger zerolog.Logger) *Llama {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://yields.llama.fi"
	}
	perMinute := opts.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	if opts.CacheTTL < 0 {
		opts.CacheTTL = 0
	}

	return &Llama{
		opts:    opts,
		logger:  logger.With().Str("component", "fallback_llama").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		now:     time.Now,
	}
}

// CurrentRates returns the APY for each requested source that has a pool mapping.
func (l *Llama) CurrentRates(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	wanted := make(map[string]string, len(ids))
	for _, id := range ids {
		if pool, ok := l.opts.Pools[id]; ok && pool != "" {
			wanted[id] = pool
		}
	}
	if len(wanted) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	byPool, err := l.pools(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(wanted))
	for id, pool := range wanted {
		if apy, ok := byPool[pool]; ok {
			out[id] = apy
		}
	}
	return out, nil
}

func (l *Llama) pools(ctx context.Context) (map[string]decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && l.opts.CacheTTL > 0 && l.now().Sub(l.cachedAt) < l.opts.CacheTTL {
		return l.cached, nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llama rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+llamaPoolsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(l.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload poolsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode llama pools: %w", err)
	}
	if payload.Status != "" && payload.Status != "success" {
		return nil, errors.New("llama api returned status " + payload.Status)
	}

	byPool := make(map[string]decimal.Decimal, len(payload.Data))
	for _, p := range payload.Data {
		if p.APY == nil {
			continue
		}
		byPool[p.Pool] = p.APY.Div(hundred)
	}

	l.cached = byPool
	l.cachedAt = l.now()
	l.logger.Debug().Int("pools", len(byPool)).Msg("refreshed fallback pool rates")
	return byPool, nil
}

type poolsResponse struct {
	Status string      `json:"status"`
	Data   []llamaPool `json:"data"`
}

type llamaPool struct {
	Pool    string           `json:"pool"`
	Project string           `json:"project"`
	Symbol  string           `json:"symbol"`
	APY     *decimal.Decimal `json:"apy"`
}

var _ FallbackRates = (*Llama)(nil)
