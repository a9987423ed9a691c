// Package clientip picks the client address out of a forwarded-for chain.
package clientip

import (
	"net"
	"strings"
)

// Resolve returns the client address for a request that arrived from peer
// carrying the given X-Forwarded-For values.
//
// trustedHops is the number of proxies in front of the server. With zero the
// header is ignored and the peer is returned. Otherwise the chain
// "xff..., peer" is walked from the right, skipping trustedHops entries, so
// hops a client prepended on its own never win.
func Resolve(forwarded []string, peer string, trustedHops int) string {
	peer = Host(peer)
	if trustedHops <= 0 {
		return peer
	}
	var chain []string
	for _, v := range forwarded {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				chain = append(chain, hop)
			}
		}
	}
	if peer != "" {
		chain = append(chain, peer)
	}
	if len(chain) == 0 {
		return ""
	}
	i := len(chain) - 1 - trustedHops
	if i < 0 {
		i = 0
	}
	return chain[i]
}

// Host strips the port from addr when it has one.
func Host(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
