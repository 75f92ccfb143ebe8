// Package chain implements the forwarding chain resolver (component C3):
// given a registry snapshot, derive the local forwarding chain starting at
// "self", and the sub-chain required to reach any target anonymizer.
package chain

import (
	"fmt"

	"github.com/azera85/rcs-collector/internal/ctlerr"
	"github.com/azera85/rcs-collector/internal/registry"
)

// Resolver holds the frozen chain computed once per registry snapshot.
type Resolver struct {
	chain []registry.Element // chain[0] is always self
}

// New locates self — the first anonymizer whose Instance equals
// localInstance — and walks Next[0] links to build the full chain,
// capped at len(anonymizers) hops: the source does not defend against
// cyclic next links, so this implementation bounds traversal and
// additionally breaks on a repeated id.
//
// Fails construction with ctlerr.ErrNoSelf if no element's Instance matches
// localInstance, rather than silently falling back to an empty chain. The
// controller builds a Resolver per PUSH request, so on a misconfigured node
// every PUSH fails with this error.
func New(anonymizers []registry.Element, localInstance string) (*Resolver, error) {
	byID := make(map[string]registry.Element, len(anonymizers))
	for _, a := range anonymizers {
		byID[a.ID] = a
	}

	var self registry.Element
	found := false
	for _, a := range anonymizers {
		if a.Instance == localInstance {
			self = a
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: local_instance=%q", ctlerr.ErrNoSelf, localInstance)
	}

	built := make([]registry.Element, 0, len(anonymizers))
	seen := make(map[string]bool, len(anonymizers))
	built = append(built, self)
	seen[self.ID] = true

	cur := self
	maxHops := len(anonymizers)
	for i := 0; i < maxHops; i++ {
		if len(cur.Next) == 0 {
			break
		}
		nextID := cur.Next[0]
		next, ok := byID[nextID]
		if !ok {
			break
		}
		if seen[next.ID] {
			break // cycle guard
		}
		built = append(built, next)
		seen[next.ID] = true
		cur = next
	}

	return &Resolver{chain: built}, nil
}

// Chain returns the frozen full chain, chain[0] always self.
func (r *Resolver) Chain() []registry.Element {
	return r.chain
}

// ForwardingChain returns chain.take_while(x != target): the prefix of the
// full chain up to (exclusive of) target. If target is not on the chain,
// the entire chain is returned.
func (r *Resolver) ForwardingChain(target registry.Element) []registry.Element {
	for i, e := range r.chain {
		if e.ID == target.ID {
			out := make([]registry.Element, i)
			copy(out, r.chain[:i])
			return out
		}
	}
	out := make([]registry.Element, len(r.chain))
	copy(out, r.chain)
	return out
}
