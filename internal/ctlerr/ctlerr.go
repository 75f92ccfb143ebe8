// Package ctlerr defines the controller's error taxonomy. Each kind is a
// small sentinel wrapped with context via fmt.Errorf("...: %w", err) at the
// call site, in the idiom the rest of this codebase uses throughout.
package ctlerr

import "errors"

// Sentinel errors for the request-path failure kinds. Wrap these with
// fmt.Errorf("%w: ...", ErrX) or errors.Join when more context is needed;
// callers test with errors.Is.
var (
	// ErrInvalidCookie: no element matches the supplied cookie.
	ErrInvalidCookie = errors.New("invalid cookie")

	// ErrDecrypt: base64/AES/JSON failure decoding an inbound envelope.
	ErrDecrypt = errors.New("decrypt error")

	// ErrUnknownAnon: a PUSH command names a receiver id absent from the registry.
	ErrUnknownAnon = errors.New("unknown anonymizer")

	// ErrTransport: the outbound HTTP round-trip to a hop failed or timed out.
	ErrTransport = errors.New("transport error")

	// ErrInvalidResponseCookie: a peer's reply omitted Set-Cookie.
	ErrInvalidResponseCookie = errors.New("invalid response cookie")

	// ErrExec: command execution failed; the caller replaces the whole
	// response list with a single STATUS/ERROR entry.
	ErrExec = errors.New("command execution error")

	// ErrZeroBid: the DB could not resolve an agent's bid; the dispatch
	// task for that instance aborts and the queue is preserved.
	ErrZeroBid = errors.New("zero bid")

	// ErrEvidenceSendFailed: one evidence upload failed; the blob is
	// retained locally and the dispatch continues with the next id.
	ErrEvidenceSendFailed = errors.New("evidence send failed")

	// ErrNoSelf: the chain resolver could not find an anonymizer record
	// whose instance matches the configured local instance.
	ErrNoSelf = errors.New("no self anonymizer in registry")
)
