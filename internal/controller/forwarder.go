package controller

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/azera85/rcs-collector/internal/chain"
	"github.com/azera85/rcs-collector/internal/ctlerr"
	"github.com/azera85/rcs-collector/internal/envelope"
	"github.com/azera85/rcs-collector/internal/registry"
)

// outboundTimeout is the read and overall deadline for the outbound HTTP
// round-trip to an anonymizer hop.
const outboundTimeout = 300 * time.Second

// newOutboundClient builds the shared HTTP client used for every forwarded
// command: bounded dial/keep-alive/idle/TLS-handshake timeouts, no upstream
// proxy chaining — outbound calls always go straight to the resolved
// anonymizer hop.
func newOutboundClient() *http.Client {
	return &http.Client{
		Timeout: outboundTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// PushCommand is the plaintext body of a DB-originated PUSH request.
type PushCommand struct {
	Anon    string `json:"anon"`
	Command string `json:"command"`
	Body    string `json:"body,omitempty"`
}

// forward implements the outbound forwarder: resolve the receiver, build
// the inner message, onion-encrypt it hop by hop along the forwarding
// chain, POST to the first hop, decrypt the reply, and handle the STATUS
// piggyback.
func (c *Controller) forward(ctx context.Context, reg *registry.Registry, resolver *chain.Resolver, meta RequestMeta, push PushCommand) (int, string) {
	receiver, err := reg.FindByID(push.Anon)
	if err != nil {
		return http.StatusInternalServerError, fmt.Sprintf("Cannot forward: %v", err)
	}

	inner, err := innerCommand(push)
	if err != nil {
		return http.StatusInternalServerError, err.Error()
	}

	msg, err := envelope.Encrypt(receiver.Key, inner)
	if err != nil {
		return http.StatusInternalServerError, fmt.Sprintf("Cannot encrypt command for %s: %v", receiver.Name, err)
	}

	hops := resolver.ForwardingChain(receiver)

	// Onion encapsulation loop: peel hops off the far end of the chain,
	// one FORWARD layer per hop, until only self remains.
	for len(hops) > 1 {
		hop := hops[len(hops)-1]
		hops = hops[:len(hops)-1]

		forwardCmd := Command{
			Command: "FORWARD",
			Params: map[string]any{
				"address": fmt.Sprintf("%s:%d", receiver.Address, receiver.Port),
				"cookie":  "ID=" + receiver.Cookie,
			},
			Body: msg,
		}
		wrapped, err := envelope.Encrypt(hop.Key, forwardCmd)
		if err != nil {
			return http.StatusInternalServerError, fmt.Sprintf("Cannot encrypt forward layer for %s: %v", hop.Name, err)
		}
		msg = wrapped
		receiver = hop
	}

	respBody, setCookie, err := c.postToHop(ctx, receiver, msg)
	if err != nil {
		return http.StatusInternalServerError, fmt.Sprintf("Cannot communicate with %s: %v", receiver.Name, err)
	}
	if setCookie == "" {
		return http.StatusInternalServerError, fmt.Sprintf("%v: %s", ctlerr.ErrInvalidResponseCookie, receiver.Name)
	}

	bound, err := reg.BindByCookie(setCookie)
	if err != nil {
		return http.StatusInternalServerError, fmt.Sprintf("%v", err)
	}

	var reply forwardReply
	if err := envelope.Decrypt(bound.Key, respBody, &reply); err != nil {
		return http.StatusInternalServerError, fmt.Sprintf("%v: %v", ctlerr.ErrDecrypt, err)
	}

	// A STATUS reply is run through the command executor before its result
	// is synthesized, meaning a peer can trigger a DB mutation via a reply
	// to a CHECK. This is the existing monitoring piggyback behavior.
	if reply.Command == "STATUS" {
		cmd := Command{Command: reply.Command, Params: reply.Params}
		if _, err := executeCommands(ctx, c.db, bound, meta, []Command{cmd}); err != nil {
			return http.StatusInternalServerError, fmt.Sprintf("%v: %v", ctlerr.ErrExec, err)
		}
	}

	return http.StatusOK, reply.status()
}

// forwardReply is the decoded shape of a forwarded command's response. A
// peer may reply with either a bare Command-shaped object (params.status,
// the onion-forwarding protocol's own wire shape) or a Result-shaped object
// (result.status, the shape this controller's own peer listener emits) —
// status() checks both.
type forwardReply struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

func (r forwardReply) status() string {
	if r.Result != nil {
		if s, ok := r.Result["status"].(string); ok {
			return s
		}
	}
	if r.Params != nil {
		if s, ok := r.Params["status"].(string); ok {
			return s
		}
	}
	return ""
}

// innerCommand builds the inner message for a PUSH command by type.
func innerCommand(push PushCommand) (Command, error) {
	switch push.Command {
	case "config":
		return Command{Command: "CONFIG", Params: map[string]any{}, Body: push.Body}, nil
	case "upgrade":
		return Command{Command: "UPGRADE", Params: map[string]any{}, Body: push.Body}, nil
	case "check":
		return Command{Command: "CHECK", Params: map[string]any{}}, nil
	default:
		return Command{}, fmt.Errorf("unknown push command %q", push.Command)
	}
}

// postToHop performs the HTTP round-trip to the first hop.
func (c *Controller) postToHop(ctx context.Context, hop registry.Element, msg string) (body, setCookie string, err error) {
	addr := fmt.Sprintf("http://%s:%d/", hop.Address, hop.Port)

	ctx, cancel := context.WithTimeout(ctx, outboundTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, strings.NewReader(msg))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Cookie", "ID="+hop.Cookie)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	return string(data), resp.Header.Get("Set-Cookie"), nil
}
