package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fno-trading-engine/internal/broker"
)

// Adapter serves quotes and depth with a short-TTL cache in front of the
// broker gateway, and fans updates out to subscribers. Read-mostly: lookups
// take the read lock, a single refresh path writes.
type Adapter struct {
	gateway  *broker.Gateway
	cacheTTL time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	quotes map[uint32]*broker.Quote
	depths map[uint32]*broker.Depth

	subMu sync.Mutex
	subs  []chan QuoteUpdate
}

// QuoteUpdate is pushed to subscribers on every refreshed quote.
type QuoteUpdate struct {
	Token uint32
	Quote broker.Quote
}

// NewAdapter creates the market data adapter.
func NewAdapter(gateway *broker.Gateway, cacheTTL time.Duration, log zerolog.Logger) *Adapter {
	if cacheTTL <= 0 {
		cacheTTL = 500 * time.Millisecond
	}
	return &Adapter{
		gateway:  gateway,
		cacheTTL: cacheTTL,
		log:      log.With().Str("component", "marketdata").Logger(),
		quotes:   make(map[uint32]*broker.Quote),
		depths:   make(map[uint32]*broker.Depth),
	}
}

// GetQuote returns the cached quote when fresh, otherwise pulls through the
// gateway.
func (a *Adapter) GetQuote(ctx context.Context, token uint32) (*broker.Quote, error) {
	a.mu.RLock()
	q, ok := a.quotes[token]
	a.mu.RUnlock()
	if ok && time.Since(q.Timestamp) < a.cacheTTL {
		cp := *q
		return &cp, nil
	}

	fresh, err := a.gateway.GetQuote(ctx, token)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.quotes[token] = fresh
	a.mu.Unlock()
	a.notify(QuoteUpdate{Token: token, Quote: *fresh})

	cp := *fresh
	return &cp, nil
}

// GetDepth returns the cached 5-level book when fresh, otherwise pulls
// through the gateway. Depth is never fabricated: errors propagate so the
// analyzer can answer DEPTH_UNAVAILABLE.
func (a *Adapter) GetDepth(ctx context.Context, token uint32) (*broker.Depth, error) {
	a.mu.RLock()
	d, ok := a.depths[token]
	a.mu.RUnlock()
	if ok && time.Since(d.Timestamp) < a.cacheTTL {
		cp := *d
		return &cp, nil
	}

	fresh, err := a.gateway.GetDepth(ctx, token)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.depths[token] = fresh
	a.mu.Unlock()

	cp := *fresh
	return &cp, nil
}

// Subscribe returns a channel of quote updates. The channel is buffered; a
// full subscriber misses updates rather than blocking the adapter.
func (a *Adapter) Subscribe() <-chan QuoteUpdate {
	ch := make(chan QuoteUpdate, 256)
	a.subMu.Lock()
	a.subs = append(a.subs, ch)
	a.subMu.Unlock()
	return ch
}

func (a *Adapter) notify(u QuoteUpdate) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- u:
		default:
			// subscriber lagging; market data is refreshed on next pull
		}
	}
}

// Prime pulls quotes for a token set, warming the cache before the open.
func (a *Adapter) Prime(ctx context.Context, tokens []uint32) {
	for _, token := range tokens {
		if _, err := a.GetQuote(ctx, token); err != nil {
			a.log.Warn().Uint32("token", token).Err(err).Msg("prime quote failed")
		}
	}
}
