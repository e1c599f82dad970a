// Package governor bounds the verification pipeline's outbound pressure.
// It holds the process-local concurrency primitives: a global in-flight
// cap, separate DNS and SMTP semaphores, a lazily built per-MX-host
// semaphore map, and TTL caches for MX lookups and catch-all verdicts.
package governor

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultGlobalLimit  = 50
	DefaultDNSLimit     = 50
	DefaultSMTPLimit    = 25
	DefaultPerHostLimit = 5
	DefaultCacheTTL     = 300 * time.Second
)

// Governor is safe for use from any number of goroutines.
type Governor struct {
	global chan struct{}
	dns    chan struct{}
	smtp   chan struct{}

	// Per-host slot creation is serialized by hostMu; acquisition is not.
	hostMu    sync.Mutex
	hostSlots map[string]chan struct{}
	perHost   int

	cacheTTL time.Duration

	mxMu    sync.Mutex
	mxCache map[string]mxEntry

	caMu    sync.Mutex
	caCache map[string]catchAllEntry
}

type mxEntry struct {
	hosts   []string
	expires time.Time
}

type catchAllEntry struct {
	catchAll bool
	expires  time.Time
}

// New creates a governor with the given limits. Non-positive values fall
// back to the defaults.
func New(global, dns, smtp, perHost int, cacheTTL time.Duration) *Governor {
	if global <= 0 {
		global = DefaultGlobalLimit
	}
	if dns <= 0 {
		dns = DefaultDNSLimit
	}
	if smtp <= 0 {
		smtp = DefaultSMTPLimit
	}
	if perHost <= 0 {
		perHost = DefaultPerHostLimit
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Governor{
		global:    make(chan struct{}, global),
		dns:       make(chan struct{}, dns),
		smtp:      make(chan struct{}, smtp),
		hostSlots: make(map[string]chan struct{}),
		perHost:   perHost,
		cacheTTL:  cacheTTL,
		mxCache:   make(map[string]mxEntry),
		caCache:   make(map[string]catchAllEntry),
	}
}

// AcquireGlobal claims an in-flight verification slot, blocking until one
// frees up or the context ends.
func (g *Governor) AcquireGlobal(ctx context.Context) error { return acquire(ctx, g.global) }

// ReleaseGlobal returns an in-flight verification slot.
func (g *Governor) ReleaseGlobal() { <-g.global }

// AcquireDNS claims an outbound DNS query slot.
func (g *Governor) AcquireDNS(ctx context.Context) error { return acquire(ctx, g.dns) }

// ReleaseDNS returns an outbound DNS query slot.
func (g *Governor) ReleaseDNS() { <-g.dns }

// AcquireSMTP claims an outbound SMTP session slot.
func (g *Governor) AcquireSMTP(ctx context.Context) error { return acquire(ctx, g.smtp) }

// ReleaseSMTP returns an outbound SMTP session slot.
func (g *Governor) ReleaseSMTP() { <-g.smtp }

// AcquireHost claims a session slot against a single MX host. Slots are
// created on first use so the map only ever holds hosts actually probed.
func (g *Governor) AcquireHost(ctx context.Context, host string) error {
	return acquire(ctx, g.hostSlot(host))
}

// ReleaseHost returns a session slot for the given MX host.
func (g *Governor) ReleaseHost(host string) { <-g.hostSlot(host) }

// InFlight reports the number of currently held global slots.
func (g *Governor) InFlight() int { return len(g.global) }

func (g *Governor) hostSlot(host string) chan struct{} {
	g.hostMu.Lock()
	defer g.hostMu.Unlock()
	s, ok := g.hostSlots[host]
	if !ok {
		s = make(chan struct{}, g.perHost)
		g.hostSlots[host] = s
	}
	return s
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CachedMX returns the cached MX host list for a domain, if present and
// unexpired. The returned slice is a copy.
func (g *Governor) CachedMX(domain string) ([]string, bool) {
	g.mxMu.Lock()
	defer g.mxMu.Unlock()
	e, ok := g.mxCache[domain]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return append([]string(nil), e.hosts...), true
}

// StoreMX caches the MX host list for a domain with a fresh expiry. Empty
// lists are cached too: a domain with no MX stays that way for a while.
func (g *Governor) StoreMX(domain string, hosts []string) {
	g.mxMu.Lock()
	defer g.mxMu.Unlock()
	g.mxCache[domain] = mxEntry{
		hosts:   append([]string(nil), hosts...),
		expires: time.Now().Add(g.cacheTTL),
	}
}

// CachedCatchAll returns the cached catch-all verdict for a domain, if
// present and unexpired.
func (g *Governor) CachedCatchAll(domain string) (bool, bool) {
	g.caMu.Lock()
	defer g.caMu.Unlock()
	e, ok := g.caCache[domain]
	if !ok || time.Now().After(e.expires) {
		return false, false
	}
	return e.catchAll, true
}

// StoreCatchAll caches the catch-all verdict for a domain.
func (g *Governor) StoreCatchAll(domain string, catchAll bool) {
	g.caMu.Lock()
	defer g.caMu.Unlock()
	g.caCache[domain] = catchAllEntry{
		catchAll: catchAll,
		expires:  time.Now().Add(g.cacheTTL),
	}
}
