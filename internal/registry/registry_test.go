package registry

import (
	"errors"
	"testing"

	"github.com/azera85/rcs-collector/internal/ctlerr"
)

func sampleRegistry() *Registry {
	return &Registry{
		Anonymizers: []Element{
			{ID: "anon-1", Name: "alpha", Kind: KindAnonymizer, Cookie: "abc", Address: "10.0.0.1", Port: 443},
			{ID: "anon-2", Name: "beta", Kind: KindAnonymizer, Cookie: "shared", Address: "10.0.0.2", Port: 443},
		},
		Injectors: []Element{
			{ID: "inj-1", Name: "gamma", Kind: KindInjector, Cookie: "xyz"},
			{ID: "inj-2", Name: "delta", Kind: KindInjector, Cookie: "shared"},
		},
	}
}

func TestCookie_ExtractsTokenAfterLastEquals(t *testing.T) {
	cases := map[string]string{
		"ID=abc123":      "abc123",
		"ID=a=b=c":       "c",
		"plain-no-equal": "plain-no-equal",
		"":                "",
	}
	for in, want := range cases {
		if got := Cookie(in); got != want {
			t.Errorf("Cookie(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBindByCookie_FindsAnonymizer(t *testing.T) {
	reg := sampleRegistry()
	e, err := reg.BindByCookie("ID=abc")
	if err != nil {
		t.Fatalf("BindByCookie: %v", err)
	}
	if e.ID != "anon-1" {
		t.Errorf("got %q, want anon-1", e.ID)
	}
}

func TestBindByCookie_FindsInjector(t *testing.T) {
	reg := sampleRegistry()
	e, err := reg.BindByCookie("ID=xyz")
	if err != nil {
		t.Fatalf("BindByCookie: %v", err)
	}
	if e.ID != "inj-1" {
		t.Errorf("got %q, want inj-1", e.ID)
	}
}

func TestBindByCookie_AnonymizerWinsCollision(t *testing.T) {
	reg := sampleRegistry()
	e, err := reg.BindByCookie("ID=shared")
	if err != nil {
		t.Fatalf("BindByCookie: %v", err)
	}
	if e.ID != "anon-2" {
		t.Errorf("expected anonymizer to win collision, got %q", e.ID)
	}
}

func TestBindByCookie_UnknownCookieFails(t *testing.T) {
	reg := sampleRegistry()
	_, err := reg.BindByCookie("ID=nonexistent")
	if !errors.Is(err, ctlerr.ErrInvalidCookie) {
		t.Errorf("expected ErrInvalidCookie, got %v", err)
	}
}

func TestFindByID_Found(t *testing.T) {
	reg := sampleRegistry()
	e, err := reg.FindByID("anon-2")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if e.Name != "beta" {
		t.Errorf("got %q, want beta", e.Name)
	}
}

func TestFindByID_NotFound(t *testing.T) {
	reg := sampleRegistry()
	_, err := reg.FindByID("does-not-exist")
	if !errors.Is(err, ctlerr.ErrUnknownAnon) {
		t.Errorf("expected ErrUnknownAnon, got %v", err)
	}
}

func TestFindByID_DoesNotSearchInjectors(t *testing.T) {
	reg := sampleRegistry()
	_, err := reg.FindByID("inj-1")
	if !errors.Is(err, ctlerr.ErrUnknownAnon) {
		t.Errorf("expected FindByID to ignore injectors, got %v", err)
	}
}

func TestElement_DisplayName(t *testing.T) {
	a := Element{Kind: KindAnonymizer, Name: "alpha"}
	if got := a.DisplayName(); got != "RCS::ANON::alpha" {
		t.Errorf("got %q, want RCS::ANON::alpha", got)
	}
	i := Element{Kind: KindInjector, Name: "gamma"}
	if got := i.DisplayName(); got != "RCS::NI::gamma" {
		t.Errorf("got %q, want RCS::NI::gamma", got)
	}
}
