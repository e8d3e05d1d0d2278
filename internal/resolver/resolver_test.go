package resolver

import (
	"errors"
	"testing"
)

func TestResolve_Landing(t *testing.T) {
	_, err := Resolve("p.example", "/", "", "p.example")
	if !errors.Is(err, ErrLanding) {
		t.Fatalf("err = %v, want ErrLanding", err)
	}
}

func TestResolve_OffDomain(t *testing.T) {
	_, err := Resolve("evil.com", "/", "", "p.example")
	if !errors.Is(err, ErrNotProxyable) {
		t.Fatalf("err = %v, want ErrNotProxyable", err)
	}
}

func TestResolve_EmptyPrefix(t *testing.T) {
	_, err := Resolve(".p.example", "/", "", "p.example")
	if !errors.Is(err, ErrNotProxyable) {
		t.Fatalf("err = %v, want ErrNotProxyable", err)
	}
}

func TestResolve_Basic(t *testing.T) {
	target, err := Resolve("www.google.com.p.example", "/x", "q=1", "p.example")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if target.Host != "www.google.com" {
		t.Errorf("Host = %q, want %q", target.Host, "www.google.com")
	}
	if got := target.URL.String(); got != "https://www.google.com/x?q=1" {
		t.Errorf("URL = %q, want %q", got, "https://www.google.com/x?q=1")
	}
}

func TestResolve_VerbatimNoHyphenTransform(t *testing.T) {
	// Dashes in the subdomain are taken verbatim, never translated to dots.
	target, err := Resolve("sub-domain-example.p.example", "/", "", "p.example")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if target.Host != "sub-domain-example" {
		t.Errorf("Host = %q, want verbatim %q", target.Host, "sub-domain-example")
	}
}

func TestResolve_StripsPort(t *testing.T) {
	target, err := Resolve("www.google.com.p.example:8443", "/", "", "p.example")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if target.Host != "www.google.com" {
		t.Errorf("Host = %q, want %q", target.Host, "www.google.com")
	}
}

func TestResolve_RoundTrip(t *testing.T) {
	// A request to a ProxyURL derived from (host, path, query) must resolve
	// back to that exact upstream URL.
	host, path, query := "api.example.org", "/data", "n=1"
	target, err := Resolve(host+".p.example", path, query, "p.example")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := "https://api.example.org/data?n=1"
	if got := target.URL.String(); got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestParseRootRedirect_BareHost(t *testing.T) {
	got, err := ParseRootRedirect("example.com/path", "p.example")
	if err != nil {
		t.Fatalf("ParseRootRedirect() error = %v", err)
	}
	if got != "https://example.com.p.example/path" {
		t.Errorf("got %q, want %q", got, "https://example.com.p.example/path")
	}
}

func TestParseRootRedirect_FullURL(t *testing.T) {
	got, err := ParseRootRedirect("https%3A%2F%2Fexample.com%2Fx", "p.example")
	if err != nil {
		t.Fatalf("ParseRootRedirect() error = %v", err)
	}
	if got != "https://example.com.p.example/x" {
		t.Errorf("got %q, want %q", got, "https://example.com.p.example/x")
	}
}

func TestParseRootRedirect_Empty(t *testing.T) {
	_, err := ParseRootRedirect("", "p.example")
	if err == nil {
		t.Fatal("ParseRootRedirect() expected error for empty query, got nil")
	}
}

func TestParseRootRedirect_NoHost(t *testing.T) {
	_, err := ParseRootRedirect("https://", "p.example")
	if err == nil {
		t.Fatal("ParseRootRedirect() expected error for missing host, got nil")
	}
}
