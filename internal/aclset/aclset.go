// Package aclset provides a minimal bypass.Oracle backed by a fixed
// set of hostname patterns and IP/CIDR literals. Full ACL file syntax
// (gfwlist-style comments, reject vs. bypass sections) is
// an external collaborator's concern; this is the small in-process
// oracle cmd/ss-local wires up from the entries already parsed out of
// a config file.
package aclset

import (
	"net"
	"strings"
)

// Set matches a hostname (exact or "*.domain" suffix) or an IP address
// against a fixed list of entries, each either a hostname pattern or
// an IP/CIDR literal.
type Set struct {
	hosts map[string]struct{}
	cidrs []*net.IPNet
	ips   map[string]struct{}
}

// New builds a Set from entries, classifying each as a CIDR, a bare IP,
// or a hostname pattern.
func New(entries []string) *Set {
	s := &Set{
		hosts: make(map[string]struct{}),
		ips:   make(map[string]struct{}),
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(e); err == nil {
			s.cidrs = append(s.cidrs, ipnet)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			s.ips[ip.String()] = struct{}{}
			continue
		}
		s.hosts[strings.ToLower(e)] = struct{}{}
	}
	return s
}

// Match implements bypass.Oracle.
func (s *Set) Match(host, ip string) bool {
	if host != "" {
		return s.matchHost(strings.ToLower(host))
	}
	if ip != "" {
		return s.matchIP(ip)
	}
	return false
}

func (s *Set) matchHost(host string) bool {
	if _, ok := s.hosts[host]; ok {
		return true
	}
	for i := 0; i < len(host); i++ {
		if host[i] == '.' {
			if _, ok := s.hosts["*."+host[i+1:]]; ok {
				return true
			}
		}
	}
	return false
}

func (s *Set) matchIP(ip string) bool {
	if _, ok := s.ips[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range s.cidrs {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
