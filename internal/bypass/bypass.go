// Package bypass evaluates whether a destination should be proxied
// through the Shadowsocks tunnel or connected to directly, consulting
// an external ACL oracle the core does not implement itself — ACL
// file grammar and IPv6 CIDR semantics are an external collaborator's
// concern per spec.md.
package bypass

// Mode selects which way an unmatched destination defaults.
type Mode int

const (
	// BlackList: default is to proxy; a match means bypass (direct).
	BlackList Mode = iota
	// WhiteList: default is to bypass; a match means proxy.
	WhiteList
)

// Oracle answers whether a hostname or IP appears in the configured
// ACL. It is the external collaborator: this package never parses an
// ACL file itself.
type Oracle interface {
	// Match reports whether host (may be empty) or ip (textual, may be
	// empty) hits the ACL. Exactly one of host/ip is expected non-empty
	// per call from Policy.Decide, matching the hostname-then-IP
	// evaluation order.
	Match(host, ip string) bool
}

// Policy pairs a Mode with the Oracle it consults.
type Policy struct {
	Mode   Mode
	Oracle Oracle
}

// Decide evaluates hostname first (if non-empty), then ip (if
// non-empty and hostname didn't match), then falls back to the mode's
// default. A hostname hit is definitive and short-circuits the IP
// check.
func (p Policy) Decide(hostname, ip string) (bypass bool) {
	hit := false
	if hostname != "" && p.Oracle != nil && p.Oracle.Match(hostname, "") {
		hit = true
	} else if ip != "" && p.Oracle != nil && p.Oracle.Match("", ip) {
		hit = true
	}

	switch p.Mode {
	case WhiteList:
		if hit {
			return false // proxy
		}
		return true // default: bypass
	default: // BlackList
		if hit {
			return true // bypass
		}
		return false // default: proxy
	}
}
