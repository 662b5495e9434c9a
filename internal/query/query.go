// Package query parses and represents a single Ident (RFC 1413) query line.
package query

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family identifies the address family carried by a Query's peer address.
type Family int

const (
	FamilyUnset Family = iota
	FamilyV4
	FamilyV6
)

// Query is one live Ident query: the port pair plus, optionally, the peer
// address it is known (or claimed) to belong to.
//
// ExtensionInEffect is dual-purpose per its origin: on a query read from an
// incoming connection it means "the caller is allowed to supply an IP in
// the extended third field"; on a query built to forward downstream it
// means "emit the IP extension towards the downstream server."
type Query struct {
	LocalPort  uint16
	RemotePort uint16

	PeerFamily   Family
	PeerAddr     netip.Addr
	PeerAddrText string

	ExtensionInEffect bool
}

// HasPeerAddr reports whether q carries a usable peer address.
func (q Query) HasPeerAddr() bool {
	return q.PeerFamily != FamilyUnset && q.PeerAddr.IsValid()
}

// WithPeerAddr returns a copy of q with its peer address set to addr,
// keeping PeerFamily and PeerAddrText consistent with it.
func (q Query) WithPeerAddr(addr netip.Addr) Query {
	q.PeerAddr = addr
	q.PeerAddrText = addr.String()
	if addr.Is4() || addr.Is4In6() {
		q.PeerFamily = FamilyV4
	} else {
		q.PeerFamily = FamilyV6
	}
	return q
}

// maxLineLength bounds a query line per RFC 1413 (1000 printable
// characters, plus slack for the terminator).
const maxLineLength = 1004

// ErrMalformed is returned when a line cannot be parsed into two valid
// ports. The orchestrator maps this to an INVALID-PORT response.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed query: %s", e.Reason)
}

// Parse reads a single query line (without its trailing CRLF/LF) and
// returns the parsed Query. acceptExtension controls whether a trailing
// ": <ip>" field is consulted at all; when false, such a field is ignored
// entirely and does not affect the returned PeerAddr (spec invariant:
// accept-extension off implies no effect on PeerAddr).
//
// gotAddress reports whether an IP extension was present AND successfully
// parsed. A malformed extension address is not an error: it is silently
// dropped and gotAddress is false, while the two-port query still succeeds.
func Parse(line string, acceptExtension bool) (q Query, gotAddress bool, err error) {
	if len(line) > maxLineLength {
		line = line[:maxLineLength]
	}

	localPort, rest, ok := readPort(line)
	if !ok {
		return Query{}, false, &ErrMalformed{Reason: "could not read local port"}
	}

	commaIdx := strings.IndexByte(rest, ',')
	if commaIdx < 0 {
		return Query{}, false, &ErrMalformed{Reason: "no comma separator"}
	}
	rest = rest[commaIdx+1:]

	remotePort, rest, ok := readPort(rest)
	if !ok {
		return Query{}, false, &ErrMalformed{Reason: "could not read remote port"}
	}

	q = Query{LocalPort: localPort, RemotePort: remotePort}

	if !acceptExtension {
		return q, false, nil
	}

	colonIdx := strings.IndexByte(rest, ':')
	if colonIdx < 0 {
		return q, false, nil
	}
	rest = strings.TrimSpace(rest[colonIdx+1:])

	token := rest
	if sp := strings.IndexFunc(token, isTokenBoundary); sp >= 0 {
		token = token[:sp]
	}
	if token == "" {
		return q, false, nil
	}

	addr, perr := netip.ParseAddr(token)
	if perr != nil {
		// Not an error: ignored without logging; the two-port query stands.
		return q, false, nil
	}

	q = q.WithPeerAddr(addr)
	return q, true, nil
}

func isTokenBoundary(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r < 0x20 || r == 0x7f
}

// readPort consumes leading non-digit characters, then reads a decimal
// number. It returns the parsed port, the remainder of the string after
// the number, and whether a valid [1,65535] port was found.
func readPort(s string) (port uint16, rest string, ok bool) {
	i := 0
	for i < len(s) && (s[i] < '0' || s[i] > '9') {
		i++
	}
	if i == len(s) {
		return 0, s, false
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	n, err := strconv.ParseUint(s[i:j], 10, 32)
	if err != nil || n < 1 || n > 65535 {
		return 0, s, false
	}
	return uint16(n), s[j:], true
}

// Encode renders q in the wire format used both for the outgoing forward
// request and for logging: "<lport>,<rport>" optionally followed by
// " : <ip>" when the extension is in effect and a peer address is known.
func (q Query) Encode() string {
	if q.ExtensionInEffect && q.HasPeerAddr() {
		return fmt.Sprintf("%d,%d : %s", q.LocalPort, q.RemotePort, q.PeerAddrText)
	}
	return fmt.Sprintf("%d,%d", q.LocalPort, q.RemotePort)
}
