package marketdata

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// VIXSnapshot is the last observed India VIX value.
type VIXSnapshot struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// VIXSource polls the India VIX feed and notifies listeners when the index
// moves more than the trigger percentage, which forces a margin recompute.
type VIXSource struct {
	http       *resty.Client
	url        string
	poll       time.Duration
	triggerPct float64
	log        zerolog.Logger

	mu   sync.RWMutex
	last VIXSnapshot

	cbMu     sync.Mutex
	onChange []func(VIXSnapshot)
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewVIXSource creates the poller. triggerPct is the |ΔVIX/prev| percentage
// (default 5) above which listeners fire.
func NewVIXSource(url string, poll time.Duration, triggerPct float64, log zerolog.Logger) *VIXSource {
	if poll <= 0 {
		poll = time.Minute
	}
	if triggerPct <= 0 {
		triggerPct = 5.0
	}
	return &VIXSource{
		http:       resty.New().SetTimeout(5 * time.Second),
		url:        url,
		poll:       poll,
		triggerPct: triggerPct,
		log:        log.With().Str("component", "vix-source").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Current returns the latest snapshot and false if nothing has been observed.
func (v *VIXSource) Current() (VIXSnapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last, !v.last.Timestamp.IsZero()
}

// Set injects a VIX observation. Used by tests and by the scheduler's manual
// refresh path; applies the same trigger logic as polling.
func (v *VIXSource) Set(value float64, at time.Time) {
	v.mu.Lock()
	prev := v.last
	v.last = VIXSnapshot{Value: value, Timestamp: at}
	v.mu.Unlock()

	if prev.Timestamp.IsZero() || prev.Value == 0 {
		return
	}
	changePct := math.Abs(value-prev.Value) / prev.Value * 100
	if changePct > v.triggerPct {
		v.log.Info().
			Float64("prev", prev.Value).
			Float64("now", value).
			Float64("change_pct", changePct).
			Msg("VIX moved beyond trigger")
		v.fire()
	}
}

// OnChange registers a listener fired when VIX moves beyond the trigger.
func (v *VIXSource) OnChange(fn func(VIXSnapshot)) {
	v.cbMu.Lock()
	defer v.cbMu.Unlock()
	v.onChange = append(v.onChange, fn)
}

func (v *VIXSource) fire() {
	snap, _ := v.Current()
	v.cbMu.Lock()
	listeners := make([]func(VIXSnapshot), len(v.onChange))
	copy(listeners, v.onChange)
	v.cbMu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Start begins polling until Stop.
func (v *VIXSource) Start() {
	v.cbMu.Lock()
	if v.running || v.url == "" {
		v.cbMu.Unlock()
		return
	}
	v.running = true
	v.cbMu.Unlock()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.poll)
		defer ticker.Stop()
		for {
			select {
			case <-v.stopChan:
				return
			case <-ticker.C:
				v.pollOnce()
			}
		}
	}()
}

// Stop halts polling.
func (v *VIXSource) Stop() {
	v.cbMu.Lock()
	if !v.running {
		v.cbMu.Unlock()
		return
	}
	v.running = false
	v.cbMu.Unlock()
	close(v.stopChan)
	v.wg.Wait()
}

func (v *VIXSource) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var payload struct {
		Value     float64 `json:"value"`
		Timestamp string  `json:"timestamp"`
	}
	resp, err := v.http.R().SetContext(ctx).SetResult(&payload).Get(v.url)
	if err != nil || resp.IsError() {
		v.log.Warn().Err(err).Msg("VIX poll failed")
		return
	}
	if payload.Value <= 0 {
		return
	}
	v.Set(payload.Value, time.Now().UTC())
}
