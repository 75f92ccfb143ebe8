// Package controller implements the network controller core: the request
// handler, command executor, and outbound forwarder. A Controller is
// constructed once per process and is safe for concurrent use — Act holds
// no mutable state of its own, building a fresh registry snapshot on every
// call (and, for PUSH, a fresh chain resolution).
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/azera85/rcs-collector/internal/chain"
	"github.com/azera85/rcs-collector/internal/ctlerr"
	"github.com/azera85/rcs-collector/internal/dbiface"
	"github.com/azera85/rcs-collector/internal/envelope"
	"github.com/azera85/rcs-collector/internal/metrics"
	"github.com/azera85/rcs-collector/internal/registry"
	"github.com/azera85/rcs-collector/internal/tracelog"
)

// RequestMeta carries the transport-level bits the executor and forwarder
// need that aren't part of the encrypted payload: the raw Cookie header
// and the observed X-Forwarded-For (an injector's address is never
// stored, only observed).
type RequestMeta struct {
	Cookie        string
	XForwardedFor string
}

// Controller is the process-wide request handler and forwarder.
type Controller struct {
	db            dbiface.DB
	localInstance string
	client        *http.Client
	log           *tracelog.Logger
	metrics       *metrics.Metrics
}

// New constructs a Controller bound to db and localInstance (the process's
// own node identity, used to locate self in the forwarding chain).
func New(db dbiface.DB, localInstance string, log *tracelog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		db:            db,
		localInstance: localInstance,
		client:        newOutboundClient(),
		log:           log,
		metrics:       m,
	}
}

// Act dispatches one inbound request.
//
//   - POST: peer-initiated. Binds the element from meta.Cookie, decrypts
//     body, executes the normalized command batch, re-encrypts the
//     response under the same element's key. The returned cookie is the
//     bound element's own cookie, which the caller MUST echo back via
//     Set-Cookie so the peer's session stays bound to the same element.
//   - PUSH: DB-originated. body is plaintext JSON {anon, command, body?},
//     routed to the outbound forwarder. No cookie is returned.
//   - any other method: (0, nil, ""); the HTTP server wrapping the
//     controller maps this to 405.
func (c *Controller) Act(ctx context.Context, method, uri string, body []byte, meta RequestMeta) (int, []byte, string) {
	if c.metrics != nil {
		c.metrics.RequestsTotal.Add(1)
	}
	switch method {
	case http.MethodPost:
		if c.metrics != nil {
			c.metrics.RequestsPost.Add(1)
		}
		return c.actPost(ctx, body, meta)
	case "PUSH":
		if c.metrics != nil {
			c.metrics.RequestsPush.Add(1)
		}
		status, result := c.actPush(ctx, body, meta)
		return status, result, ""
	default:
		return 0, nil, ""
	}
}

func (c *Controller) actPost(ctx context.Context, body []byte, meta RequestMeta) (int, []byte, string) {
	reg, err := registry.Snapshot(ctx, c.db)
	if err != nil {
		status, resp := c.fail(err)
		return status, resp, ""
	}

	elem, err := reg.BindByCookie(meta.Cookie)
	if err != nil {
		status, resp := c.fail(err)
		return status, resp, ""
	}

	cmds, err := decodeCommands(elem.Key, body)
	if err != nil {
		status, resp := c.fail(fmt.Errorf("%w: %v", ctlerr.ErrDecrypt, err))
		return status, resp, elem.Cookie
	}

	results, err := executeCommands(ctx, c.db, elem, meta, cmds)
	if err != nil {
		results = []Result{{Command: "STATUS", Result: map[string]any{"status": "ERROR", "msg": err.Error()}}}
		blob, encErr := envelope.Encrypt(elem.Key, results)
		if encErr != nil {
			status, resp := c.fail(fmt.Errorf("%w: %v", ctlerr.ErrExec, encErr))
			return status, resp, elem.Cookie
		}
		c.countError(ctlerr.ErrExec)
		return http.StatusInternalServerError, []byte(blob), elem.Cookie
	}

	blob, err := envelope.Encrypt(elem.Key, results)
	if err != nil {
		status, resp := c.fail(fmt.Errorf("%w: %v", ctlerr.ErrDecrypt, err))
		return status, resp, elem.Cookie
	}
	return http.StatusOK, []byte(blob), elem.Cookie
}

func (c *Controller) actPush(ctx context.Context, body []byte, meta RequestMeta) (int, []byte) {
	var push PushCommand
	if err := json.Unmarshal(body, &push); err != nil {
		return http.StatusInternalServerError, []byte("Invalid push body: " + err.Error())
	}

	reg, err := registry.Snapshot(ctx, c.db)
	if err != nil {
		return c.fail(err)
	}

	// Resolve the receiver before the chain so an unknown id fails as ErrUnknownAnon.
	if _, err := reg.FindByID(push.Anon); err != nil {
		return c.fail(err)
	}

	resolver, err := chain.New(reg.Anonymizers, c.localInstance)
	if err != nil {
		return c.fail(err)
	}

	status, result := c.forward(ctx, reg, resolver, meta, push)
	return status, []byte(result)
}

// decodeCommands decrypts body and normalizes the result to a command
// batch: the peer may send either a single object or an array.
func decodeCommands(key []byte, body []byte) ([]Command, error) {
	var raw json.RawMessage
	if err := envelope.Decrypt(key, string(body), &raw); err != nil {
		return nil, err
	}

	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var cmds []Command
		if err := json.Unmarshal(raw, &cmds); err != nil {
			return nil, err
		}
		return cmds, nil
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return []Command{cmd}, nil
}

func firstNonSpace(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

func (c *Controller) fail(err error) (int, []byte) {
	c.countError(err)
	if c.log != nil {
		c.log.Errorf("act", "request failed: %v", err)
	}
	return http.StatusInternalServerError, []byte(err.Error())
}

func (c *Controller) countError(err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ctlerr.ErrInvalidCookie):
		c.metrics.ErrorsInvalidCookie.Add(1)
	case errors.Is(err, ctlerr.ErrDecrypt):
		c.metrics.ErrorsDecrypt.Add(1)
	case errors.Is(err, ctlerr.ErrUnknownAnon):
		c.metrics.ErrorsUnknownAnon.Add(1)
	case errors.Is(err, ctlerr.ErrTransport):
		c.metrics.ErrorsTransport.Add(1)
	case errors.Is(err, ctlerr.ErrInvalidResponseCookie):
		c.metrics.ErrorsInvalidResponseCookie.Add(1)
	case errors.Is(err, ctlerr.ErrExec):
		c.metrics.ErrorsExec.Add(1)
	}
}
