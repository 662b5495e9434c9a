// Package forward implements an Ident client used to relay a query to
// another Ident server, mirroring the original daemon's forwarding.c.
package forward

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/aidentd/internal/deadline"
	"github.com/cuemby/aidentd/internal/query"
	"github.com/cuemby/aidentd/pkg/log"
)

// DefaultPort is the standard Ident service port (RFC 1413).
const DefaultPort = 113

// maxUserIDLength bounds how much of the USERID field we buffer,
// matching forwarding.c's 512-character RFC 1413 limit.
const maxUserIDLength = 512

// Client forwards Ident queries to another server and parses its reply.
type Client struct {
	Port   int
	Dialer net.Dialer
	ctl    *deadline.Controller
}

// New returns a Client whose outbound connection is force-closed by ctl
// on timeout expiry.
func New(ctl *deadline.Controller) *Client {
	return &Client{Port: DefaultPort, ctl: ctl}
}

// Result is a forwarded query's outcome.
type Result struct {
	UserID         string
	AdditionalInfo string
	IsError        bool
}

// ErrNoResponse means the remote closed the connection (or the dial
// itself failed) without returning a usable result, which the caller
// maps to a NO-USER response rather than an error reaching the original
// client.
var ErrNoResponse = fmt.Errorf("forward: no usable response from remote")

// Forward dials host on the Ident port, sends q, and parses the
// USERID/ERROR response.
func (c *Client) Forward(ctx context.Context, host string, q query.Query) (Result, error) {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	logger := log.WithComponent("forward")

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger.Debug().Str("addr", addr).Msg("dialing")

	conn, err := c.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Debug().Err(err).Str("host", host).Msg("dial failed")
		return Result{}, ErrNoResponse
	}
	defer conn.Close()

	if c.ctl != nil {
		c.ctl.RegisterSocket(conn)
	}

	line := q.Encode() + "\r\n"
	if deadlineVal, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadlineVal)
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		logger.Debug().Err(err).Msg("write failed")
		return Result{}, ErrNoResponse
	}

	if deadlineVal, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadlineVal)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}

	res, err := parseResponse(bufio.NewReader(conn), logger)
	if err != nil {
		return Result{}, err
	}
	if res.UserID == "" && res.AdditionalInfo == "" {
		return Result{}, ErrNoResponse
	}
	return res, nil
}

// field mirrors enum fields in forwarding.c.
type field int

const (
	fieldPorts field = iota
	fieldReplyType
	fieldInfo
	fieldUserID
	fieldEOL
)

// parseResponse implements the same byte-at-a-time state machine as
// forwarding.c's receive loop: fields are colon-separated except within
// the USERID field (which may itself contain colons), and the response
// ends at CR or LF.
func parseResponse(r *bufio.Reader, logger zerolog.Logger) (Result, error) {
	var res Result
	var replyTypeIsError bool
	var buf strings.Builder
	f := fieldPorts
	reachedUserID := false

	for {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		if b == 0 {
			break
		}

		isFieldSep := (f != fieldUserID && b == ':') || b == '\r' || b == '\n'

		if isFieldSep {
			token := buf.String()
			buf.Reset()

			switch f {
			case fieldPorts:
				// Echoed ports are not validated.
			case fieldReplyType:
				replyTypeIsError = token != "USERID"
				res.IsError = replyTypeIsError
				logger.Debug().Str("reply_type", token).Msg("received response type")
			case fieldInfo:
				if token != "" {
					res.AdditionalInfo = token
				}
				if replyTypeIsError {
					return res, nil
				}
			case fieldUserID:
				res.UserID = token
				reachedUserID = true
				return res, nil
			}
			f++

			if !reachedUserID && (b == '\r' || b == '\n') {
				return res, nil
			}
			if f > fieldEOL {
				f = fieldEOL
			}
			continue
		}

		if f == fieldUserID || !(b == ' ' || b == '\t' || b < ' ' || b >= 127) {
			if buf.Len() < maxUserIDLength {
				buf.WriteByte(b)
			} else {
				// Truncate rather than grow unbounded, matching the
				// original's fixed-size buffer; what's collected so far
				// still becomes the userid once EOL or buffer end hits.
				break
			}
		}
	}

	if !reachedUserID && f == fieldUserID && buf.Len() > 0 {
		res.UserID = buf.String()
	}

	return res, nil
}
