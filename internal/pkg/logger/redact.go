package logger

import (
	"regexp"
	"strings"
)

var emailRE = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactEmail masks an address's local part down to two characters:
// "john.doe@example.com" becomes "jo***@example.com", and local parts
// of one or two characters are hidden entirely. Input that is not a
// single well-formed address collapses to "***@***".
func RedactEmail(email string) string {
	at := strings.Index(email, "@")
	if at < 0 || strings.Contains(email[at+1:], "@") {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// redactPIIValue is applied to every field value before encoding.
// Fields whose key names an address are masked whole; other values
// keep their text with any embedded addresses masked in place.
func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "address") || strings.Contains(key, "recipient") {
		return RedactEmail(val)
	}
	return emailRE.ReplaceAllStringFunc(val, RedactEmail)
}
