package mod

import (
	"net/url"
	"testing"

	"golang.org/x/net/html"

	"divortio-proxy/internal/model"
	"divortio-proxy/internal/rewrite/htmlrw"
)

func TestDomainPattern_Matches(t *testing.T) {
	cases := []struct {
		pattern DomainPattern
		host    string
		want    bool
	}{
		{"*", "anything.p.example", true},
		{"*.p.example", "p.example", true},
		{"*.p.example", "shop.example.com.p.example", true},
		{"*.p.example", "other.example", false},
		{"shop.example.com.p.example", "shop.example.com.p.example", true},
		{"shop.example.com.p.example", "other.p.example", false},
	}
	for _, c := range cases {
		if got := c.pattern.Matches(c.host); got != c.want {
			t.Errorf("DomainPattern(%q).Matches(%q) = %v, want %v", c.pattern, c.host, got, c.want)
		}
	}
}

func TestTextRewriterMod_SinglePair(t *testing.T) {
	binding := TextRewriterMod(map[string]string{"foo": "bar"})
	got := binding.Rewrite("foo and foofoo")
	want := "bar and barbar"
	if got != want {
		t.Errorf("Rewrite() = %q, want %q", got, want)
	}
}

func TestTextRewriterMod_SinglePatternIsARegex(t *testing.T) {
	binding := TextRewriterMod(map[string]string{`foo\d+`: "bar"})
	got := binding.Rewrite("foo1 foo22 food")
	want := "bar bar food"
	if got != want {
		t.Errorf("Rewrite() = %q, want %q", got, want)
	}
}

func TestTextRewriterMod_DictionaryLongestKeyFirst(t *testing.T) {
	binding := TextRewriterMod(map[string]string{
		"cat":      "dog",
		"category": "section",
	})
	got := binding.Rewrite("a category about a cat")
	want := "a section about a dog"
	if got != want {
		t.Errorf("Rewrite() = %q, want %q", got, want)
	}
}

func TestRegistry_BindingsFiltersByDomainAndSelector(t *testing.T) {
	called := false
	m := &Mod{
		ID:            "banner",
		Selector:      "div.banner",
		DomainPattern: "*.p.example",
		HandlerFactory: func(args map[string]string) htmlrw.Binding {
			return htmlrw.Binding{Rewrite: func(text string) string {
				called = true
				return text
			}}
		},
	}
	reg, err := NewRegistry([]*Mod{m})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if bindings := reg.Bindings("other.example"); len(bindings) != 0 {
		t.Errorf("expected no bindings for non-matching host, got %d", len(bindings))
	}

	bindings := reg.Bindings("shop.example.com.p.example")
	if len(bindings) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(bindings))
	}

	match := bindings[0].Match("div", []html.Attribute{{Key: "class", Val: "banner"}})
	if !match {
		t.Error("expected selector div.banner to match <div class=\"banner\">")
	}

	noMatch := bindings[0].Match("span", []html.Attribute{{Key: "class", Val: "banner"}})
	if noMatch {
		t.Error("expected selector div.banner not to match <span class=\"banner\">")
	}

	bindings[0].Rewrite("text")
	if !called {
		t.Error("expected handler's Rewrite to be invoked")
	}
}

func TestTrafficRegistry_ShortCircuits(t *testing.T) {
	u, _ := url.Parse("https://blocked.example/")
	target := model.Target{Host: "blocked.example", URL: u}

	blocked := false
	skipped := false
	reg := NewTrafficRegistry([]*TrafficMod{
		{
			ID:            "irrelevant",
			DomainPattern: "other.example",
			Execute: func(target model.Target, args map[string]string) (*Response, error) {
				skipped = true
				return nil, nil
			},
		},
		{
			ID:            "block",
			DomainPattern: "*",
			Execute: func(target model.Target, args map[string]string) (*Response, error) {
				blocked = true
				return &Response{StatusCode: 403, Body: []byte("blocked")}, nil
			},
		},
	})

	resp, err := reg.Execute(target)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("Execute() = %v, want a 403 short-circuit", resp)
	}
	if skipped {
		t.Error("non-matching mod's Execute should not have run")
	}
	if !blocked {
		t.Error("matching mod's Execute should have run")
	}
}

func TestTrafficRegistry_NoMatchReturnsNil(t *testing.T) {
	u, _ := url.Parse("https://example.com/")
	target := model.Target{Host: "example.com", URL: u}
	reg := NewTrafficRegistry([]*TrafficMod{
		{
			ID:            "other",
			DomainPattern: "other.example",
			Execute: func(target model.Target, args map[string]string) (*Response, error) {
				return &Response{StatusCode: 403}, nil
			},
		},
	})

	resp, err := reg.Execute(target)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp != nil {
		t.Errorf("Execute() = %v, want nil", resp)
	}
}

func TestRegistry_InvalidSelectorErrors(t *testing.T) {
	m := &Mod{
		ID:             "bad",
		Selector:       ":::not-a-selector",
		DomainPattern:  "*",
		HandlerFactory: TextRewriterMod,
	}
	if _, err := NewRegistry([]*Mod{m}); err == nil {
		t.Error("expected an error compiling an invalid selector")
	}
}
