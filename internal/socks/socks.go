// Package socks implements the SOCKS5 byte parser/composer Session needs:
// auth-method negotiation (selecting NOAUTH) and a single CONNECT request,
// both as pure functions over already-received buffers rather than a
// blocking reader. It is grounded on
// ppiankov-trustwatch's internal/socks5 (negotiate/handleRequest/readAddr),
// adapted from stream-reading into single-buffer parsing because Session
// receives whole buffers off a TcpConnection's inbound queue rather than an
// io.Reader. Framing assumes no fragmentation on either handshake record,
// matching the source behavior spec.md §9 documents and preserves.
package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
)

const (
	version5 = 0x05

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	authNoneRequired = 0x00
	authNoAcceptable = 0xFF

	replySucceeded = 0x00
)

// ErrMalformed is returned for any handshake buffer that does not parse as a
// well-formed SOCKS5 record. Per spec.md's preserved weakness, the caller's
// response to this is to close the connection, not to compose a SOCKS error
// reply.
var ErrMalformed = errors.New("socks: malformed handshake buffer")

// ErrUnsupportedCommand is returned when the request's command is not
// CONNECT (0x01) — the only command this relay implements.
var ErrUnsupportedCommand = errors.New("socks: only the CONNECT command is supported")

// ParseAuthMethods parses the client greeting: VER, NMETHODS, METHODS.
// The whole record is assumed to have arrived in a single buffer.
func ParseAuthMethods(buf []byte) ([]byte, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: greeting shorter than 2 bytes", ErrMalformed)
	}
	if buf[0] != version5 {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrMalformed, buf[0])
	}
	n := int(buf[1])
	if len(buf) != 2+n {
		return nil, fmt.Errorf("%w: NMETHODS=%d but buffer has %d method bytes", ErrMalformed, n, len(buf)-2)
	}
	return buf[2:], nil
}

// SelectNoAuth picks NOAUTH out of an offered method list, or reports that
// none is acceptable.
func SelectNoAuth(methods []byte) (selected byte, ok bool) {
	for _, m := range methods {
		if m == authNoneRequired {
			return authNoneRequired, true
		}
	}
	return authNoAcceptable, false
}

// ComposeAuthReply builds the 2-byte method-selection reply.
func ComposeAuthReply(selected byte) []byte {
	return []byte{version5, selected}
}

// Request is a decoded SOCKS5 CONNECT request: the target the client wants
// the relay to reach on its behalf.
type Request struct {
	Target netmodel.Endpoint
}

// ParseConnectRequest parses VER, CMD, RSV, ATYP, ADDR, PORT from a single
// buffer assumed to carry the whole record.
func ParseConnectRequest(buf []byte) (Request, error) {
	if len(buf) < 4 {
		return Request{}, fmt.Errorf("%w: request shorter than 4 bytes", ErrMalformed)
	}
	if buf[0] != version5 {
		return Request{}, fmt.Errorf("%w: unsupported version 0x%02x", ErrMalformed, buf[0])
	}
	cmd := buf[1]
	atyp := buf[3]
	rest := buf[4:]

	var host string
	switch atyp {
	case atypIPv4:
		if len(rest) < 4+2 {
			return Request{}, fmt.Errorf("%w: truncated IPv4 address", ErrMalformed)
		}
		host = net.IP(rest[:4]).String()
		rest = rest[4:]
	case atypIPv6:
		if len(rest) < 16+2 {
			return Request{}, fmt.Errorf("%w: truncated IPv6 address", ErrMalformed)
		}
		host = net.IP(rest[:16]).String()
		rest = rest[16:]
	case atypDomain:
		if len(rest) < 1 {
			return Request{}, fmt.Errorf("%w: missing domain length", ErrMalformed)
		}
		n := int(rest[0])
		rest = rest[1:]
		if len(rest) < n+2 {
			return Request{}, fmt.Errorf("%w: truncated domain name", ErrMalformed)
		}
		host = string(rest[:n])
		rest = rest[n:]
	default:
		return Request{}, fmt.Errorf("%w: unsupported address type 0x%02x", ErrMalformed, atyp)
	}

	if len(rest) != 2 {
		return Request{}, fmt.Errorf("%w: trailing bytes after port", ErrMalformed)
	}
	port := binary.BigEndian.Uint16(rest)

	req := Request{Target: netmodel.Endpoint{Address: host, Port: port}}
	if cmd != cmdConnect {
		return req, fmt.Errorf("%w: command 0x%02x", ErrUnsupportedCommand, cmd)
	}
	return req, nil
}

// ComposeSuccessReply builds the 10-byte SOCKS5 success reply carrying bound
// as an IPv4 BND.ADDR/BND.PORT. Non-IPv4 bound addresses fall back to
// 0.0.0.0, which is the common real-world SOCKS5 server behavior when the
// bound address isn't meaningfully reportable.
func ComposeSuccessReply(bound netmodel.Endpoint) []byte {
	reply := make([]byte, 10)
	reply[0] = version5
	reply[1] = replySucceeded
	reply[2] = 0x00 // RSV
	reply[3] = atypIPv4

	ip := net.ParseIP(bound.Address)
	if ip4 := ip.To4(); ip4 != nil {
		copy(reply[4:8], ip4)
	}
	binary.BigEndian.PutUint16(reply[8:10], bound.Port)
	return reply
}
