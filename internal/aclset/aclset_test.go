package aclset

import "testing"

func TestSet_ExactHostname(t *testing.T) {
	s := New([]string{"example.com"})
	if !s.Match("example.com", "") {
		t.Error("expected exact hostname match")
	}
	if s.Match("other.com", "") {
		t.Error("unexpected match for unrelated hostname")
	}
}

func TestSet_WildcardSuffix(t *testing.T) {
	s := New([]string{"*.example.com"})
	if !s.Match("api.example.com", "") {
		t.Error("expected wildcard match for subdomain")
	}
	if s.Match("example.com", "") {
		t.Error("wildcard must not match the bare domain itself")
	}
}

func TestSet_CIDR(t *testing.T) {
	s := New([]string{"10.0.0.0/8"})
	if !s.Match("", "10.1.2.3") {
		t.Error("expected CIDR match")
	}
	if s.Match("", "192.168.1.1") {
		t.Error("unexpected match outside CIDR")
	}
}

func TestSet_BareIP(t *testing.T) {
	s := New([]string{"1.2.3.4"})
	if !s.Match("", "1.2.3.4") {
		t.Error("expected bare IP match")
	}
}

func TestSet_IgnoresBlankAndComments(t *testing.T) {
	s := New([]string{"", "  ", "# comment", "example.com"})
	if !s.Match("example.com", "") {
		t.Error("expected hostname entry to survive blank/comment filtering")
	}
}
