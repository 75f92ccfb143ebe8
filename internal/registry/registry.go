// Package registry holds the in-memory element registry view: an
// immutable, per-request snapshot of the anonymizers and injectors known
// to the controller, with cookie- and id-based lookup.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/azera85/rcs-collector/internal/ctlerr"
)

// Kind discriminates an Element as an anonymizer or an injector, computed
// once when the snapshot is built rather than inferred from a loosely
// typed marker field.
type Kind string

// The two element kinds known to the registry.
const (
	KindAnonymizer Kind = "anonymizer"
	KindInjector   Kind = "injector"
)

// DisplayTag returns the display name tag prefix for this kind:
// "RCS::ANON::" for anonymizers, "RCS::NI::" for injectors.
func (k Kind) DisplayTag() string {
	if k == KindAnonymizer {
		return "RCS::ANON::"
	}
	return "RCS::NI::"
}

// Element is an immutable snapshot of one network element.
type Element struct {
	ID       string
	Name     string
	Kind     Kind
	Cookie   string // shared secret; also the cookie lookup handle
	Key      []byte // symmetric AES key
	Address  string // anonymizers only; injectors' addresses are observed per-request
	Port     int
	Instance string   // local-node identity; matches Config.LocalInstance for "self"
	Next     []string // ordered successor anonymizer ids; only Next[0] is used
}

// DisplayName returns "RCS::ANON::<name>" or "RCS::NI::<name>".
func (e Element) DisplayName() string {
	return e.Kind.DisplayTag() + e.Name
}

// DB is the subset of the metadata store the registry needs to build a
// snapshot. dbclient.Client is the production implementation.
type DB interface {
	ListAnonymizers(ctx context.Context) ([]Element, error)
	ListInjectors(ctx context.Context) ([]Element, error)
}

// Registry is an immutable, per-request snapshot of known elements.
// Safe to read from multiple goroutines; never mutated after construction.
type Registry struct {
	Anonymizers []Element
	Injectors   []Element
}

// Snapshot builds a new Registry by querying db. Called once per inbound
// request, fresh, rather than cached across requests.
func Snapshot(ctx context.Context, db DB) (*Registry, error) {
	anons, err := db.ListAnonymizers(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list anonymizers: %w", err)
	}
	injs, err := db.ListInjectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list injectors: %w", err)
	}
	return &Registry{Anonymizers: anons, Injectors: injs}, nil
}

// Cookie extracts the token after the last '=' in a raw cookie header
// value, e.g. "ID=abc123" -> "abc123". Shared by BindByCookie and the
// outbound forwarder's Set-Cookie extraction so the parsing rule lives in
// exactly one place.
func Cookie(raw string) string {
	if i := strings.LastIndex(raw, "="); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// BindByCookie resolves the Element whose Cookie matches the token carried
// in cookieHeader, searching anonymizers first, then injectors — so an
// anonymizer wins any cookie collision.
func (r *Registry) BindByCookie(cookieHeader string) (Element, error) {
	token := Cookie(cookieHeader)
	for _, e := range r.Anonymizers {
		if e.Cookie == token {
			return e, nil
		}
	}
	for _, e := range r.Injectors {
		if e.Cookie == token {
			return e, nil
		}
	}
	return Element{}, fmt.Errorf("%w: no element for cookie", ctlerr.ErrInvalidCookie)
}

// FindByID searches the anonymizer list by id with a linear scan.
func (r *Registry) FindByID(id string) (Element, error) {
	for _, e := range r.Anonymizers {
		if e.ID == id {
			return e, nil
		}
	}
	return Element{}, fmt.Errorf("%w: id=%s", ctlerr.ErrUnknownAnon, id)
}
