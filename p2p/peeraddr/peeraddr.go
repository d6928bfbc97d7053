// Package peeraddr parses and formats the textual peer locator used across the
// overlay: /{family}/{host}/{transport}/{port}/{id}.
package peeraddr

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrMalformedAddress is returned when a locator does not carry all five segments.
var ErrMalformedAddress = errors.New("peeraddr: malformed peer address")

const segmentCount = 5

// PeerAddress is a parsed peer locator. Addr holds the canonical textual form.
type PeerAddress struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      string `json:"port"`
	Family    string `json:"family"`
	Transport string `json:"transport"`
	Addr      string `json:"addr"`
}

// Parse splits a locator positionally. Field contents are not validated.
func Parse(addr string) (PeerAddress, error) {
	parts := strings.Split(addr, "/")
	// parts[0] is whatever precedes the leading slash.
	if len(parts) < segmentCount+1 {
		return PeerAddress{}, fmt.Errorf("%w: %q", ErrMalformedAddress, addr)
	}
	return PeerAddress{
		Addr:      addr,
		Family:    parts[1],
		Host:      parts[2],
		Transport: parts[3],
		Port:      parts[4],
		ID:        parts[5],
	}, nil
}

// Format renders the canonical locator for the given fields.
func Format(family, host, transport, port, id string) string {
	return "/" + strings.Join([]string{family, host, transport, port, id}, "/")
}

// New builds a PeerAddress with Addr populated from its fields.
func New(family, host, transport, port, id string) PeerAddress {
	return PeerAddress{
		ID:        id,
		Host:      host,
		Port:      port,
		Family:    family,
		Transport: transport,
		Addr:      Format(family, host, transport, port, id),
	}
}

// String returns the canonical locator.
func (p PeerAddress) String() string {
	if p.Addr != "" {
		return p.Addr
	}
	return Format(p.Family, p.Host, p.Transport, p.Port, p.ID)
}

// DialAddress returns the host:port pair suitable for net.Dial.
func (p PeerAddress) DialAddress() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// Network maps the transport segment onto a Go network name.
func (p PeerAddress) Network() string {
	transport := strings.ToLower(p.Transport)
	if transport == "" {
		transport = "tcp"
	}
	switch strings.ToLower(p.Family) {
	case "ipv4", "ip4":
		return transport + "4"
	case "ipv6", "ip6":
		return transport + "6"
	default:
		return transport
	}
}
