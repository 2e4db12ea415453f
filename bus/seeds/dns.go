// Package seeds resolves a node's initial peer set from a DNS TXT record,
// the bootstrap mechanism a freshly-started node uses before it has any
// gossiped peers of its own. Grounded on the teacher's
// ops/seeds/tools/dnsstub, which serves exactly this kind of TXT record;
// this package is the client side that consumes it.
package seeds

import (
	"context"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"golemmarket/crypto"
)

// Seed is one bootstrap peer advertised by the seed zone: a node identity
// and the websocket URL to dial to reach it.
type Seed struct {
	NodeID crypto.NodeID
	Addr   string
}

// Resolver looks up seed peers for a DNS zone. Callers supply an explicit
// nameserver address rather than relying on the system resolver, matching
// the teacher's own dnsstub/authority split between zone content and
// serving infrastructure.
type Resolver struct {
	// Nameserver is the "ip:port" of the DNS server to query (e.g. the
	// teacher's dnsstub listening on 127.0.0.1:8053, or a production
	// authoritative resolver).
	Nameserver string
	Client     *dns.Client
}

// NewResolver builds a Resolver against the given nameserver using a default
// dns.Client, which queries over UDP; a truncated reply is not retried over
// TCP.
func NewResolver(nameserver string) *Resolver {
	return &Resolver{Nameserver: nameserver, Client: new(dns.Client)}
}

// Lookup queries the TXT record at fqdn and parses it into a seed list. The
// TXT payload format is a comma-separated list of "nodeid@addr" entries,
// e.g. "golem1abc...@seed1.example.com:7000,golem1def...@seed2.example.com:7000".
func (r *Resolver) Lookup(ctx context.Context, fqdn string) ([]Seed, error) {
	client := r.Client
	if client == nil {
		client = new(dns.Client)
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)

	reply, _, err := client.ExchangeContext(ctx, msg, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("seeds: query %s at %s: %w", fqdn, r.Nameserver, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seeds: %s answered rcode %d", fqdn, reply.Rcode)
	}

	var raw []string
	for _, answer := range reply.Answer {
		txt, ok := answer.(*dns.TXT)
		if !ok {
			continue
		}
		raw = append(raw, txt.Txt...)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("seeds: no TXT records found for %s", fqdn)
	}
	return ParseSeedList(strings.Join(raw, ""))
}

// ParseSeedList parses the "nodeid@addr,nodeid@addr" TXT payload format.
func ParseSeedList(payload string) ([]Seed, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("seeds: empty seed list")
	}
	entries := strings.Split(payload, ",")
	out := make([]Seed, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("seeds: malformed seed entry %q, want nodeid@addr", entry)
		}
		node, err := crypto.ParseNodeID(parts[0])
		if err != nil {
			return nil, fmt.Errorf("seeds: bad node id in entry %q: %w", entry, err)
		}
		out = append(out, Seed{NodeID: node, Addr: parts[1]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("seeds: no usable entries in %q", payload)
	}
	return out, nil
}
