package verifier

import (
	"math/rand"
	"regexp"
	"strings"
)

// Practical address shape: something@something.something with no
// whitespace and exactly one @. Deliverability, not RFC pedantry, is
// what the rest of the pipeline establishes.
var syntaxRE = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// builtinDisposable is the static core of the disposable-provider set.
// Deployments extend it through VerifyConfig.DisposableDomains.
var builtinDisposable = map[string]struct{}{
	"mailinator.com":   {},
	"tempmail.com":     {},
	"10minutemail.com": {},
	"trashmail.com":    {},
	"yopmail.com":      {},
}

// commonProviders maps well-known domains to a provider tag. The tag
// feeds scoring and lets clients group results by mailbox operator.
var commonProviders = map[string]string{
	"gmail.com":      "gmail",
	"googlemail.com": "gmail",
	"yahoo.com":      "yahoo",
	"hotmail.com":    "microsoft",
	"outlook.com":    "microsoft",
	"icloud.com":     "apple",
	"protonmail.com": "protonmail",
	"zoho.com":       "zoho",
}

// roleLocalParts are local parts that address a function rather than a
// person. The flag is informational and does not affect the score.
var roleLocalParts = map[string]struct{}{
	"admin":      {},
	"contact":    {},
	"support":    {},
	"info":       {},
	"hr":         {},
	"sales":      {},
	"billing":    {},
	"service":    {},
	"helpdesk":   {},
	"postmaster": {},
}

// Normalize trims surrounding whitespace and lowercases the address.
// It is idempotent.
func (k *Kernel) Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CheckSyntax reports whether the address matches the practical pattern.
func (k *Kernel) CheckSyntax(email string) bool {
	return syntaxRE.MatchString(email)
}

// CheckDisposable reports whether the domain belongs to a known
// disposable provider. Case-insensitive.
func (k *Kernel) CheckDisposable(domain string) bool {
	_, ok := k.disposable[strings.ToLower(domain)]
	return ok
}

// IdentifyProvider returns the provider tag for a well-known domain, or
// the empty string when the domain is not in the static map.
func (k *Kernel) IdentifyProvider(domain string) string {
	return commonProviders[strings.ToLower(domain)]
}

// splitAddress splits a syntactically valid normalized address into its
// local part and domain.
func splitAddress(normalized string) (local, domain string) {
	i := strings.LastIndex(normalized, "@")
	if i < 0 {
		return normalized, ""
	}
	return normalized[:i], normalized[i+1:]
}

func isRoleLocal(local string) bool {
	_, ok := roleLocalParts[local]
	return ok
}

const localPartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomLocalPart returns an n-char local part that is vanishingly
// unlikely to exist as a real mailbox.
func randomLocalPart(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = localPartAlphabet[rand.Intn(len(localPartAlphabet))]
	}
	return string(b)
}
