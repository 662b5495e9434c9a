// Package conntrack resolves a masqueraded Ident query to its real
// LAN-side origin by shelling out to the conntrack(8) connection-tracking
// tool, mirroring the original daemon's conntrack.c.
package conntrack

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/aidentd/internal/deadline"
	"github.com/cuemby/aidentd/internal/query"
	"github.com/cuemby/aidentd/pkg/log"
)

// DefaultPath is the conntrack binary invoked when no override is set, the
// same default the original daemon compiles in.
const DefaultPath = "/usr/sbin/conntrack"

// Resolver shells out to conntrack(8) to find the LAN-side host and port
// that a NAT-masqueraded Ident query actually originated from.
type Resolver struct {
	// Path overrides DefaultPath, e.g. for tests that stub the binary.
	Path string
	ctl  *deadline.Controller
}

// New returns a Resolver whose conntrack subprocess is killed on forced
// expiry via ctl.
func New(ctl *deadline.Controller) *Resolver {
	return &Resolver{Path: DefaultPath, ctl: ctl}
}

// ErrNoMatch means conntrack ran cleanly but no tracked connection matched
// q's port pair; the caller treats this the same as a local lookup miss.
var ErrNoMatch = fmt.Errorf("conntrack: no matching connection")

// Forwarded describes where a masqueraded query should be forwarded: the
// LAN host to dial, and the query to send it (with the client's real
// local port substituted in).
type Forwarded struct {
	Host  string
	Query query.Query
}

// Resolve runs conntrack -L filtered to the reply tuple matching q's port
// pair and returns the LAN-side connection it names, if any.
func (r *Resolver) Resolve(ctx context.Context, q query.Query) (Forwarded, error) {
	path := r.Path
	if path == "" {
		path = DefaultPath
	}

	args := []string{
		"-L", "-p", "tcp",
		"--reply-port-src=" + strconv.Itoa(int(q.RemotePort)),
		"--reply-port-dst=" + strconv.Itoa(int(q.LocalPort)),
	}
	if q.HasPeerAddr() {
		args = append(args, "--reply-src="+q.PeerAddrText)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = io.Discard

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Forwarded{}, fmt.Errorf("conntrack: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Forwarded{}, fmt.Errorf("conntrack: start: %w", err)
	}
	if r.ctl != nil {
		r.ctl.RegisterSubprocess(cmd)
	}

	logger := log.WithComponent("conntrack")

	var match *parsedLine
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		pl, ok := parseLine(line)
		if !ok {
			logger.Debug().Str("line", line).Msg("skipping unparseable conntrack line")
			continue
		}

		matched := pl.Client != "" && pl.Source != "" &&
			q.RemotePort == pl.ServerPort && q.LocalPort == pl.RouterPort

		if matched && pl.Client == pl.Source {
			logger.Debug().Msg("ignoring local loopback connection")
			matched = false
		}

		if pl.Server != "" && q.HasPeerAddr() && pl.Server != q.PeerAddrText {
			logger.Warn().
				Str("reported", pl.Server).
				Str("expected", q.PeerAddrText).
				Msg("conntrack returned a non-matching reply-side IP")
		}

		if matched {
			match = &pl
			break
		}
	}

	waitErr := cmd.Wait()

	if match == nil {
		if waitErr != nil && ctx.Err() != nil {
			return Forwarded{}, ctx.Err()
		}
		return Forwarded{}, ErrNoMatch
	}

	fq := query.Query{
		LocalPort:  match.ClientPort,
		RemotePort: q.RemotePort,
	}
	if q.ExtensionInEffect {
		extAddrText := match.Server
		if extAddrText == "" && q.HasPeerAddr() {
			extAddrText = q.PeerAddrText
		}
		if extAddrText != "" {
			if addr, err := netip.ParseAddr(extAddrText); err == nil {
				fq = fq.WithPeerAddr(addr)
				fq.ExtensionInEffect = true
			}
		}
	}

	logger.Info().
		Str("source_router", match.Source).
		Int("local_port", int(q.LocalPort)).
		Str("server", match.Server).
		Int("remote_port", int(q.RemotePort)).
		Str("client", match.Client).
		Int("client_port", int(match.ClientPort)).
		Msg("matched NAT connection, forwarding")

	return Forwarded{Host: match.Client, Query: fq}, nil
}

// parsedLine is one conntrack -L record split into the fields
// conntrack.c's parser extracts: the original (LAN-side) tuple gives
// Client and ClientPort, the reply (NAT-side) tuple gives Server,
// ServerPort, Source, and RouterPort.
type parsedLine struct {
	Client     string
	ClientPort uint16
	Server     string
	ServerPort uint16
	Source     string
	RouterPort uint16
}

// parseLine mirrors conntrack.c's two-"src="-tuple split: the first
// "src=" begins the original-direction tuple, the second begins the
// reply-direction tuple.
func parseLine(line string) (parsedLine, bool) {
	firstSrc := strings.Index(line, "src=")
	if firstSrc < 0 {
		return parsedLine{}, false
	}
	lanSide := line[firstSrc:]

	secondSrcRel := strings.Index(lanSide[4:], "src=")
	if secondSrcRel < 0 {
		return parsedLine{}, false
	}
	secondSrc := 4 + secondSrcRel
	natSide := lanSide[secondSrc:]
	lanSide = lanSide[:secondSrc]

	var pl parsedLine

	if v, ok := field(lanSide, "sport="); ok {
		pl.ClientPort = v
	}
	if v, ok := fieldStr(lanSide, "src="); ok {
		pl.Client = v
	}

	if v, ok := field(natSide, "sport="); ok {
		pl.ServerPort = v
	}
	if v, ok := field(natSide, "dport="); ok {
		pl.RouterPort = v
	}
	if v, ok := fieldStr(natSide, "src="); ok {
		pl.Server = v
	}
	if v, ok := fieldStr(natSide, "dst="); ok {
		pl.Source = v
	}

	return pl, true
}

// field extracts the numeric value following key in s, up to the next
// whitespace.
func field(s, key string) (uint16, bool) {
	str, ok := fieldStr(s, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(str, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// fieldStr extracts the token following key in s, up to the next
// whitespace.
func fieldStr(s, key string) (string, bool) {
	idx := strings.Index(s, key)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(key):]
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[:sp]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}
