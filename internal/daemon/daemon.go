// Package daemon orchestrates one Ident query end to end: parsing,
// local-socket resolution, NAT-forwarded resolution, and response
// assembly, mirroring the original daemon's main() in aidentd.c.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/cuemby/aidentd/internal/conntrack"
	"github.com/cuemby/aidentd/internal/deadline"
	"github.com/cuemby/aidentd/internal/forward"
	"github.com/cuemby/aidentd/internal/query"
	"github.com/cuemby/aidentd/internal/sockdiag"
	"github.com/cuemby/aidentd/pkg/log"
)

// FixedResult encodes the -f option's possible meanings.
type FixedResult struct {
	Set   bool
	Value string
}

// Config mirrors the command-line options of the original daemon.
type Config struct {
	TimeoutSeconds int

	ValidateIP        bool // -i
	AcceptExtensionIP bool // -a: accept a peer IP in the incoming query
	ForwardOriginalIP bool // -A: include our resolved IP when forwarding
	ForwardingEnabled bool // !-l
	Fixed             FixedResult

	ConntrackPath string
	ForwardPort   int
}

// Peer is what the daemon knows about the connection it is serving, the
// Go equivalent of the getpeername() call in aidentd.c's main().
type Peer struct {
	Addr    netip.Addr
	HasAddr bool
}

// Response is the fully resolved outcome of one query, ready to be
// encoded onto the wire.
type Response struct {
	LocalPort  uint16
	RemotePort uint16

	Found      bool
	UserID     string
	OSType     string
	ErrorToken string

	// Forwarded records whether Found was resolved via a forwarded
	// query rather than a local socket lookup, for observability only;
	// it has no effect on the wire encoding.
	Forwarded bool

	// Suppressed means -f '!' fired and nothing at all should be
	// written to the client.
	Suppressed bool
}

// Encode renders r as the RFC 1413 response line, including its
// terminating CRLF, or the empty string when Suppressed.
func (r Response) Encode() string {
	if r.Suppressed {
		return ""
	}
	if r.Found {
		osType := r.OSType
		if osType == "" {
			osType = "UNIX"
		}
		return fmt.Sprintf("%d,%d:USERID:%s:%s\r\n", r.LocalPort, r.RemotePort, osType, r.UserID)
	}
	token := r.ErrorToken
	if token == "" {
		token = "NO-USER"
	}
	return fmt.Sprintf("%d,%d:ERROR:%s\r\n", r.LocalPort, r.RemotePort, token)
}

// PeerFromStdin introspects fd 0 (the socket inetd hands the process)
// for the remote address, matching getpeername(STDIN_FILENO, ...) in
// aidentd.c. It returns HasAddr=false, not an error, when stdin is not a
// connected socket (e.g. run interactively for debugging).
func PeerFromStdin() Peer {
	sa, err := unix.Getpeername(0)
	if err != nil {
		return Peer{}
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Peer{Addr: netip.AddrFrom4(v.Addr), HasAddr: true}
	case *unix.SockaddrInet6:
		return Peer{Addr: netip.AddrFrom16(v.Addr), HasAddr: true}
	default:
		return Peer{}
	}
}

// localResolver is satisfied by *sockdiag.Resolver; named here so serve
// can be driven by a fake in tests.
type localResolver interface {
	Resolve(ctx context.Context, q query.Query, family int, addr netip.Addr) (sockdiag.Result, error)
}

// natResolver is satisfied by *conntrack.Resolver.
type natResolver interface {
	Resolve(ctx context.Context, q query.Query) (conntrack.Forwarded, error)
}

// forwardClient is satisfied by *forward.Client.
type forwardClient interface {
	Forward(ctx context.Context, host string, q query.Query) (forward.Result, error)
}

// resolvers bundles the three lookups serve drives, so that Serve can
// wire in the real sockdiag/conntrack/forward implementations while
// tests substitute fakes.
type resolvers struct {
	local   localResolver
	nat     natResolver
	forward forwardClient
}

// Serve reads one query line from r, resolves it per cfg, and returns
// the Response to write back. ctl governs the whole resolution's time
// budget; the caller is expected to have already reduced privileges
// before calling Serve.
func Serve(ctx context.Context, ctl *deadline.Controller, cfg Config, peer Peer, r io.Reader) Response {
	ctResolver := conntrack.New(ctl)
	if cfg.ConntrackPath != "" {
		ctResolver.Path = cfg.ConntrackPath
	}
	fwdClient := forward.New(ctl)
	if cfg.ForwardPort != 0 {
		fwdClient.Port = cfg.ForwardPort
	}

	return serve(ctx, ctl, cfg, peer, r, resolvers{
		local:   sockdiag.New(ctl),
		nat:     ctResolver,
		forward: fwdClient,
	})
}

func serve(ctx context.Context, ctl *deadline.Controller, cfg Config, peer Peer, r io.Reader, res resolvers) Response {
	logger := log.WithComponent("daemon")

	resp := Response{ErrorToken: "NO-USER"}

	var forwardingAttempted bool
	var parsed bool
	var q query.Query

	runErr := ctl.Run(ctx, cfg.TimeoutSeconds, func(ctx context.Context) error {
		line, readErr := readQueryLine(r)
		if readErr != nil {
			logger.Warn().Err(readErr).Msg("reading query failed")
			resp.ErrorToken = "UNKNOWN-ERROR"
			return nil
		}

		var gotExtAddr bool
		var parseErr error
		q, gotExtAddr, parseErr = query.Parse(line, cfg.AcceptExtensionIP)
		if parseErr != nil {
			peerDesc := "client"
			if peer.HasAddr {
				peerDesc = peer.Addr.String()
			}
			logger.Info().Str("peer", peerDesc).Msg("invalid query")
			resp.ErrorToken = "INVALID-PORT"
			return nil
		}
		parsed = true

		if !gotExtAddr && cfg.ValidateIP && peer.HasAddr {
			q = q.WithPeerAddr(peer.Addr)
		}

		logEvt := logger.Info().
			Int("local_port", int(q.LocalPort)).
			Int("remote_port", int(q.RemotePort))
		if peer.HasAddr {
			logEvt = logEvt.Str("peer", peer.Addr.String())
		}
		if gotExtAddr {
			logEvt = logEvt.Str("query_extension_addr", q.PeerAddrText)
		}
		logEvt.Msg("ident query received")

		q.ExtensionInEffect = cfg.ForwardOriginalIP

		resp.LocalPort = q.LocalPort
		resp.RemotePort = q.RemotePort

		family := unix.AF_INET
		if q.PeerFamily == query.FamilyV6 {
			family = unix.AF_INET6
		}

		if !cfg.Fixed.Set {
			localRes, err := res.local.Resolve(ctx, q, family, q.PeerAddr)
			if err == nil {
				resp.Found = true
				if localRes.Username != "" {
					resp.UserID = localRes.Username
				} else {
					resp.UserID = fmt.Sprintf("%d", localRes.UID)
				}
				return nil
			}
			if err != sockdiag.ErrNotFound {
				logger.Debug().Err(err).Msg("local socket lookup failed")
			}
		}

		if !resp.Found && cfg.ForwardingEnabled {
			fwd, err := res.nat.Resolve(ctx, q)
			if err != nil {
				if err != conntrack.ErrNoMatch {
					logger.Debug().Err(err).Msg("conntrack lookup failed")
				}
				return nil
			}

			forwardingAttempted = true
			result, err := res.forward.Forward(ctx, fwd.Host, fwd.Query)
			if err != nil {
				logger.Debug().Err(err).Str("host", fwd.Host).Msg("forward failed")
				return nil
			}
			if result.UserID != "" {
				resp.Found = true
				resp.Forwarded = true
				resp.UserID = result.UserID
				if result.AdditionalInfo != "" {
					resp.OSType = result.AdditionalInfo
				}
			} else if result.AdditionalInfo != "" {
				resp.ErrorToken = result.AdditionalInfo
			}
		}

		return nil
	})
	if runErr != nil {
		logger.Warn().Err(runErr).Msg("query timed out")
		resp.ErrorToken = "UNKNOWN-ERROR"
	}

	if parsed && !resp.Found && !forwardingAttempted && cfg.Fixed.Set {
		applyFixedResult(&resp, cfg.Fixed.Value)
	}

	return resp
}

// applyFixedResult mirrors the -f option's switch in aidentd.c's
// send_response label.
func applyFixedResult(resp *Response, fixed string) {
	if fixed == "" {
		return
	}
	switch fixed[0] {
	case '*':
		// Leave the default NO-USER error in place.
	case '!':
		resp.Suppressed = true
	case '?':
		resp.ErrorToken = "HIDDEN-USER"
	default:
		resp.Found = true
		resp.UserID = fixed
	}
}

// readQueryLine reads a single line (without its terminator), bounded to
// RFC 1413's 1000-character limit plus CR/LF slack.
func readQueryLine(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(r, 1024)
	raw, err := br.ReadSlice('\n')
	line := string(raw)
	if err != nil && line == "" {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
