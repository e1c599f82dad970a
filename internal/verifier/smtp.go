package verifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// How many MX hosts ProbeSMTP will try before giving up.
	maxProbeHosts = 3
	// How many MX hosts the catch-all probe will try.
	catchAllProbeHosts = 2
)

// ProbeSMTP performs a non-intrusive RCPT TO check against the target's
// MX hosts in priority order. An RCPT reply in [200,400) means accepted,
// [400,600) means rejected; a host that cannot complete the conversation
// is skipped. When no host produces an RCPT reply the result is nil
// (unknown).
func (k *Kernel) ProbeSMTP(ctx context.Context, mxHosts []string, email string) *bool {
	hosts := mxHosts
	if len(hosts) > maxProbeHosts {
		hosts = hosts[:maxProbeHosts]
	}
	for _, host := range hosts {
		accepted, conclusive := k.probeRCPT(ctx, host, email, k.cfg.SMTPTimeout())
		if conclusive {
			return &accepted
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// ProbeCatchAll checks whether the domain accepts arbitrary local parts
// by issuing RCPT for a random 16-char address against up to the first
// two MX hosts. Acceptance anywhere means catch-all; rejections and
// errors both mean false, keeping the heuristic conservative. Verdicts
// are cached per domain.
func (k *Kernel) ProbeCatchAll(ctx context.Context, domain string, mxHosts []string) bool {
	if domain == "" || len(mxHosts) == 0 {
		return false
	}
	if v, ok := k.gov.CachedCatchAll(domain); ok {
		return v
	}

	probe := randomLocalPart(16) + "@" + domain
	hosts := mxHosts
	if len(hosts) > catchAllProbeHosts {
		hosts = hosts[:catchAllProbeHosts]
	}

	catchAll := false
	for _, host := range hosts {
		accepted, conclusive := k.probeRCPT(ctx, host, probe, k.cfg.CatchAllTimeout())
		if conclusive && accepted {
			catchAll = true
			break
		}
		if ctx.Err() != nil {
			return false
		}
	}

	k.gov.StoreCatchAll(domain, catchAll)
	return catchAll
}

// probeRCPT runs one SMTP conversation against a single MX host:
// banner, EHLO (HELO fallback), MAIL FROM, RCPT TO, then QUIT. Only a
// completed RCPT exchange is conclusive; every other failure leaves the
// outcome open so the caller can try the next host. The whole session
// shares one deadline and holds a per-host slot plus an SMTP slot.
func (k *Kernel) probeRCPT(ctx context.Context, host, email string, timeout time.Duration) (accepted, conclusive bool) {
	if err := k.gov.AcquireHost(ctx, host); err != nil {
		return false, false
	}
	defer k.gov.ReleaseHost(host)
	if err := k.gov.AcquireSMTP(ctx); err != nil {
		return false, false
	}
	defer k.gov.ReleaseSMTP()

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := k.dial(dctx, net.JoinHostPort(host, k.cfg.SMTPPort))
	if err != nil {
		return false, false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	// QUIT is always attempted; its failure never changes the outcome.
	defer quitSMTP(conn, w)

	code, err := readReply(r)
	if err != nil || code >= 400 {
		return false, false
	}

	code, err = command(r, w, "EHLO "+k.cfg.HelloHost)
	if err != nil {
		return false, false
	}
	if code >= 400 {
		code, err = command(r, w, "HELO "+k.cfg.HelloHost)
		if err != nil || code >= 400 {
			return false, false
		}
	}

	code, err = command(r, w, "MAIL FROM:<"+k.cfg.FromEmail+">")
	if err != nil || code >= 400 {
		return false, false
	}

	code, err = command(r, w, "RCPT TO:<"+email+">")
	if err != nil {
		return false, false
	}

	return code >= 200 && code < 400, true
}

func command(r *bufio.Reader, w *bufio.Writer, cmd string) (int, error) {
	if _, err := w.WriteString(cmd + "\r\n"); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return readReply(r)
}

// readReply consumes one (possibly multi-line) SMTP reply and returns
// its code.
func readReply(r *bufio.Reader) (int, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("read smtp reply: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return 0, errors.New("smtp reply line too short")
		}
		// A '-' after the code marks a continuation line.
		if len(line) >= 4 && line[3] == '-' {
			continue
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, fmt.Errorf("bad smtp reply code %q", line[:3])
		}
		return code, nil
	}
}

func quitSMTP(conn net.Conn, w *bufio.Writer) {
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = w.WriteString("QUIT\r\n")
	_ = w.Flush()
}
