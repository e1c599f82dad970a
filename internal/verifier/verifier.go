// Package verifier implements the per-address verification kernel:
// syntax, disposable classification, MX resolution, SMTP RCPT probing,
// catch-all detection, provider identification and scoring. Verify never
// returns an error; probe failures degrade the affected check instead.
package verifier

import (
	"context"
	"net"
	"strings"

	"github.com/khalith/mailscout/internal/config"
	"github.com/khalith/mailscout/internal/governor"
)

// Verdict statuses.
const (
	StatusValid   = "valid"
	StatusRisky   = "risky"
	StatusInvalid = "invalid"
)

// Checks holds the raw outcome of every individual check. It is stored
// verbatim as the verdict's JSON blob.
type Checks struct {
	Syntax     bool     `json:"syntax"`
	Disposable bool     `json:"disposable"`
	Role       bool     `json:"role"`
	MXHosts    []string `json:"mx_hosts"`
	HasMX      bool     `json:"has_mx"`
	SMTPAccept *bool    `json:"smtp_accept"` // nil when no probe produced a definitive reply
	CatchAll   bool     `json:"catch_all"`
	Provider   string   `json:"provider,omitempty"`
}

// Verdict is the complete per-address result.
type Verdict struct {
	Email      string `json:"email"`
	Normalized string `json:"normalized"`
	Status     string `json:"status"`
	Score      int    `json:"score"`
	Checks     Checks `json:"checks"`
}

// Verifier is the static surface of the kernel. Each operation has a
// narrow contract; Verify composes them.
type Verifier interface {
	Normalize(email string) string
	CheckSyntax(email string) bool
	CheckDisposable(domain string) bool
	ResolveMX(ctx context.Context, domain string) []string
	ProbeSMTP(ctx context.Context, mxHosts []string, email string) *bool
	ProbeCatchAll(ctx context.Context, domain string, mxHosts []string) bool
	IdentifyProvider(domain string) string
}

// Kernel implements Verifier. All outbound pressure (DNS, SMTP, per-host
// sessions) goes through the shared governor; the kernel itself holds no
// mutable state and is safe for concurrent use.
type Kernel struct {
	cfg config.VerifyConfig
	gov *governor.Governor

	disposable map[string]struct{}

	// Injectable probe boundaries.
	lookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
	dial     func(ctx context.Context, address string) (net.Conn, error)
}

var _ Verifier = (*Kernel)(nil)

// New creates a kernel backed by the system resolver and dialer.
func New(cfg config.VerifyConfig, gov *governor.Governor) *Kernel {
	resolver := &net.Resolver{}
	dialer := &net.Dialer{}
	return NewWithProbes(cfg, gov,
		func(ctx context.Context, domain string) ([]*net.MX, error) {
			return resolver.LookupMX(ctx, domain)
		},
		func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		},
	)
}

// NewWithProbes is a test-oriented constructor that overrides the MX
// lookup and dial functions.
func NewWithProbes(
	cfg config.VerifyConfig,
	gov *governor.Governor,
	lookupMX func(ctx context.Context, domain string) ([]*net.MX, error),
	dial func(ctx context.Context, address string) (net.Conn, error),
) *Kernel {
	disposable := make(map[string]struct{}, len(builtinDisposable)+len(cfg.DisposableDomains))
	for d := range builtinDisposable {
		disposable[d] = struct{}{}
	}
	for _, d := range cfg.DisposableDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			disposable[d] = struct{}{}
		}
	}
	return &Kernel{
		cfg:        cfg,
		gov:        gov,
		disposable: disposable,
		lookupMX:   lookupMX,
		dial:       dial,
	}
}

// Verify runs the full check pipeline for one address and scores the
// outcome. A failed syntax check short-circuits; everything downstream
// of a probe failure records a neutral or negative value.
func (k *Kernel) Verify(ctx context.Context, email string) Verdict {
	v := Verdict{Email: email, Normalized: k.Normalize(email)}

	if !k.CheckSyntax(v.Normalized) {
		v.Status = StatusInvalid
		v.Score = 0
		return v
	}
	v.Checks.Syntax = true

	local, domain := splitAddress(v.Normalized)
	v.Checks.Disposable = k.CheckDisposable(domain)
	v.Checks.Role = isRoleLocal(local)
	v.Checks.Provider = k.IdentifyProvider(domain)

	v.Checks.MXHosts = k.ResolveMX(ctx, domain)
	v.Checks.HasMX = len(v.Checks.MXHosts) > 0

	if v.Checks.HasMX {
		v.Checks.SMTPAccept = k.ProbeSMTP(ctx, v.Checks.MXHosts, v.Normalized)
		v.Checks.CatchAll = k.ProbeCatchAll(ctx, domain, v.Checks.MXHosts)
	}

	v.Score, v.Status = ScoreChecks(v.Checks)
	return v
}
