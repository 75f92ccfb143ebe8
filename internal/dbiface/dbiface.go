// Package dbiface declares the out-of-scope collaborator interfaces the
// controller and evidence worker consume: the persistent metadata store
// (DB) and the local per-instance evidence queue (EvidenceManager). Neither
// has a concrete implementation in this package — internal/dbclient and
// internal/localstore provide the ones wired at process bootstrap, and
// tests inject fakes.
package dbiface

import (
	"context"

	"github.com/azera85/rcs-collector/internal/registry"
)

// DB is the persistent metadata store: element registries, status/version
// updates, log append, config/upgrade blob retrieval, agent id resolution,
// and evidence upload.
type DB interface {
	registry.DB

	// UpdateStatus records an element's latest reported status.
	UpdateStatus(ctx context.Context, displayName, address, status, msg string, stats map[string]any, kindTag, version string) error
	// UpdateCollectorVersion records the reported version of an anonymizer (collector) element.
	UpdateCollectorVersion(ctx context.Context, id, version string) error
	// UpdateInjectorVersion records the reported version of an injector element.
	UpdateInjectorVersion(ctx context.Context, id, version string) error

	// CollectorAddLog appends a log line reported by an anonymizer (collector) element.
	CollectorAddLog(ctx context.Context, id string, ts int64, logType, desc string) error
	// InjectorAddLog appends a log line reported by an injector element.
	InjectorAddLog(ctx context.Context, id string, ts int64, logType, desc string) error

	// InjectorConfig returns the pending config blob for an injector, or nil if there is none.
	InjectorConfig(ctx context.Context, id string) ([]byte, error)
	// InjectorUpgrade returns the pending upgrade blob for an injector, or nil if there is none.
	InjectorUpgrade(ctx context.Context, id string) ([]byte, error)

	// AgentStatus resolves an agent's backend bid given its identity fields.
	AgentStatus(ctx context.Context, ident, instance, subtype string) (status string, bid int64, err error)

	// SyncStart opens an evidence-transfer session for one instance.
	SyncStart(ctx context.Context, sess Session) error
	// SendEvidence uploads one evidence blob for instance.
	SendEvidence(ctx context.Context, instance string, blob []byte) error
	// SyncEnd closes the evidence-transfer session for one instance.
	SyncEnd(ctx context.Context, sess Session) error

	// Connected reports whether the upstream DB link is currently up; the
	// evidence worker skips a tick entirely when this is false.
	Connected() bool
}

// Session is the per-instance evidence-transfer dispatch context. Bid == 0
// signals the agent id is not yet resolved.
type Session struct {
	Bid      int64
	Ident    string
	Subtype  string
	Instance string
	Version  string
	User     string
	Device   string
	Source   string
	SyncTime int64
}

// InstanceMeta is the per-instance metadata EvidenceManager projects into
// session fields before a dispatch task opens its sync bracket.
type InstanceMeta struct {
	Bid      int64
	Ident    string
	Subtype  string
	Version  string
	User     string
	Device   string
	Source   string
}

// EvidenceManager is the local, per-instance evidence queue and blob store.
type EvidenceManager interface {
	// Cached returns every (instance, id) pair known at startup, used to
	// seed the worker's in-memory queue once.
	Cached(ctx context.Context) (map[string][]string, error)
	// Meta returns the session metadata for instance.
	Meta(ctx context.Context, instance string) (InstanceMeta, error)
	// Blob reads the evidence payload for (instance, id).
	Blob(ctx context.Context, instance, id string) ([]byte, error)
	// Delete removes (instance, id) from the local store after a successful upload.
	Delete(ctx context.Context, instance, id string) error
}
