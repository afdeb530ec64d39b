/*
Summary:
Transport is the outbound peer connection: dial, write one framed JSON
request, read one framed JSON response, close. Every failure mode (dial
refused, timeout, malformed frame, empty response) surfaces uniformly as a
*TransportError so the coordinator can treat it as "peer unreachable" without
caring which step failed.
*/

package kv

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TransportError wraps any failure to complete a peer call.
type TransportError struct {
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Peer + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport makes outbound framed calls to peers.
type Transport struct {
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// NewTransport returns a Transport with the reference timeouts (a few
// seconds each), bounding how long a blocked peer can stall a caller.
func NewTransport() *Transport {
	return &Transport{DialTimeout: 3 * time.Second, ReadTimeout: 3 * time.Second}
}

// Call opens a connection to addr, sends req as one newline-terminated JSON
// document, reads one newline-terminated JSON response, and closes the
// connection.
func (t *Transport) Call(addr string, req Request) (Response, error) {
	conn, err := net.DialTimeout("tcp", addr, t.DialTimeout)
	if err != nil {
		return Response{}, &TransportError{Peer: addr, Err: errors.Wrap(err, "dial")}
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, &TransportError{Peer: addr, Err: errors.Wrap(err, "encode request")}
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(t.ReadTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, &TransportError{Peer: addr, Err: errors.Wrap(err, "set deadline")}
	}

	if _, err := conn.Write(payload); err != nil {
		return Response{}, &TransportError{Peer: addr, Err: errors.Wrap(err, "write request")}
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return Response{}, &TransportError{Peer: addr, Err: errors.Wrap(err, "read response")}
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Response{}, &TransportError{Peer: addr, Err: errors.New("empty response")}
	}

	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Response{}, &TransportError{Peer: addr, Err: errors.Wrap(err, "decode response")}
	}
	return resp, nil
}
