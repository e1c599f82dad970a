package verifier

import (
	"context"
	"sort"
	"strings"
)

// ResolveMX returns the domain's MX hostnames sorted by ascending
// priority, with trailing dots stripped. Lookups run under the DNS
// semaphore with a bounded timeout and feed the governor's MX cache.
// On NXDOMAIN, SERVFAIL, timeout or any other failure it returns an
// empty list; it never returns an error.
func (k *Kernel) ResolveMX(ctx context.Context, domain string) []string {
	if domain == "" {
		return nil
	}
	if hosts, ok := k.gov.CachedMX(domain); ok {
		return hosts
	}

	if err := k.gov.AcquireDNS(ctx); err != nil {
		return nil
	}
	defer k.gov.ReleaseDNS()

	lctx, cancel := context.WithTimeout(ctx, k.cfg.DNSTimeout())
	defer cancel()

	records, err := k.lookupMX(lctx, domain)
	if err != nil {
		records = nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		host := strings.TrimSuffix(r.Host, ".")
		if host != "" {
			hosts = append(hosts, host)
		}
	}

	// A no-MX answer is a real answer and is cached like any other; a
	// lookup aborted by the caller's context is not.
	if ctx.Err() == nil {
		k.gov.StoreMX(domain, hosts)
	}
	return hosts
}
