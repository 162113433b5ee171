// Package alert implements a single in-process fan-in bus for operator
// alerts: low trading balance (WatchLowBalance) and swap failures
// (NotifyDealFailed); any other source can call Publish directly. Each
// source is individually rate-limited so a misbehaving or flapping
// component cannot flood whatever surface (logs, RPC stream) consumes
// the bus.
//
// Grounded on decred.org/dcrdex's server/comms rate limiter pattern
// (rate.NewLimiter wrapped in a small named type, one limiter per
// source key), retargeted from per-IP HTTP request limiting to
// per-alert-source event limiting.
package alert

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ExchangeUnion/xunion/dex"
	"github.com/ExchangeUnion/xunion/swap"
	"github.com/ExchangeUnion/xunion/swapclient"
)

// Severity classifies an alert for display/filtering purposes.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is one bus event.
type Alert struct {
	Source    string
	Severity  Severity
	Message   string
	CreatedAt time.Time
}

const (
	defaultRatePerSec = 1
	defaultBurst      = 5
	busBufferSize     = 256
)

// sourceLimiter is a per-source token bucket, mirroring the comms
// package's ipRateLimiter.
type sourceLimiter struct {
	*rate.Limiter
}

// Bus fans in alerts from every subsystem into a single subscribable
// stream, rate-limiting each source independently so a single noisy
// source cannot drown out the others.
type Bus struct {
	log dex.Logger

	mtx      sync.Mutex
	limiters map[string]*sourceLimiter

	out chan Alert
}

// New constructs an empty Bus. Call Subscribe to receive alerts.
func New(log dex.Logger) *Bus {
	return &Bus{
		log:      log,
		limiters: make(map[string]*sourceLimiter),
		out:      make(chan Alert, busBufferSize),
	}
}

// Subscribe returns the bus's alert stream. There is a single shared
// channel; callers that need independent fan-out should read and
// re-broadcast.
func (b *Bus) Subscribe() <-chan Alert {
	return b.out
}

func (b *Bus) limiterFor(source string) *sourceLimiter {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	l, ok := b.limiters[source]
	if !ok {
		l = &sourceLimiter{Limiter: rate.NewLimiter(defaultRatePerSec, defaultBurst)}
		b.limiters[source] = l
	}
	return l
}

// Publish emits an alert from source if that source's rate limit
// allows it; otherwise the alert is dropped silently (logged at debug
// level) rather than blocking the caller.
func (b *Bus) Publish(source string, sev Severity, message string) {
	if !b.limiterFor(source).Allow() {
		if b.log != nil {
			b.log.Debugf("alert: dropped rate-limited alert from %s: %s", source, message)
		}
		return
	}
	a := Alert{Source: source, Severity: sev, Message: message, CreatedAt: time.Now()}
	select {
	case b.out <- a:
	default:
		if b.log != nil {
			b.log.Warnf("alert: bus full, dropping alert from %s", source)
		}
	}
}

// WatchLowBalance forwards a swapclient.Manager's low-balance events
// onto the bus until done is closed.
func (b *Bus) WatchLowBalance(done <-chan struct{}, events <-chan swapclient.LowBalanceEvent) {
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b.Publish("swapclient."+ev.Currency, SeverityWarning, ev.Message)
			}
		}
	}()
}

// NotifyDealFailed implements a thin swap.Notifier-adjacent hook:
// callers wire this into their own Notifier.DealFailed implementation
// to additionally surface the failure on the alert bus.
func (b *Bus) NotifyDealFailed(rHash [32]byte, reason swap.FailureReason, detail string) {
	b.Publish("swap", SeverityCritical, "deal "+hexPrefix(rHash)+" failed: "+reason.String()+": "+detail)
}

func hexPrefix(rHash [32]byte) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 0; i < 4; i++ {
		buf[i*2] = hextable[rHash[i]>>4]
		buf[i*2+1] = hextable[rHash[i]&0xf]
	}
	return string(buf)
}
