// Package wsproxy implements the WebSocket Tunnel (C9): it upgrades the
// client connection, dials the upstream target with the same upgrade
// request, and mirrors messages bidirectionally until either side closes.
package wsproxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"divortio-proxy/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ErrUpstreamNoUpgrade is returned when the upstream handshake doesn't
// complete with 101 Switching Protocols.
var ErrUpstreamNoUpgrade = errors.New("wsproxy: upstream did not upgrade")

// State is a tunnel session's position in its state machine: Init ->
// Upgrading -> Established -> Closed. Terminal: there is no reconnect.
type State int

const (
	StateInit State = iota
	StateUpgrading
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUpgrading:
		return "upgrading"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "init"
	}
}

// Session tracks one tunnel's lifecycle for logging and metrics.
type Session struct {
	State State
	log   *slog.Logger
}

func newSession(log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{State: StateInit, log: log}
}

func (s *Session) transition(next State) {
	s.State = next
	s.log.Debug("websocket session state", "state", next.String())
}

// Tunnel upgrades r/w to a WebSocket, dials target with the same upgrade
// headers, and mirrors messages bidirectionally until either side closes.
// If the upstream handshake doesn't complete, the already-upgraded client
// connection is closed with 1002 Protocol Error rather than left hanging.
func Tunnel(w http.ResponseWriter, r *http.Request, target model.Target, log *slog.Logger) error {
	session := newSession(log)
	session.transition(StateUpgrading)

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer clientConn.Close()

	upstreamURL := *target.URL
	upstreamURL.Scheme = schemeForWS(upstreamURL.Scheme)

	dialer := websocket.Dialer{}
	upstreamConn, resp, err := dialer.Dial(upstreamURL.String(), upstreamHeaders(r.Header))
	if err != nil {
		if resp == nil || resp.StatusCode != http.StatusSwitchingProtocols {
			clientConn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, "Upstream did not upgrade"))
			return ErrUpstreamNoUpgrade
		}
		return err
	}
	defer upstreamConn.Close()

	session.transition(StateEstablished)

	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, upstreamConn, clientConn)
	go pipe(&wg, clientConn, upstreamConn)
	wg.Wait()

	session.transition(StateClosed)
	return nil
}

// pipe copies messages from src to dst until src errors or closes, then
// propagates a matching close to dst (defaulting to 1000 Normal Closure);
// a write failure on dst closes it with 1011 Internal Error instead.
func pipe(wg *sync.WaitGroup, dst, src *websocket.Conn) {
	defer wg.Done()
	for {
		mtype, msg, err := src.ReadMessage()
		if err != nil {
			code, reason := closeCodeFromError(err)
			dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
		if err := dst.WriteMessage(mtype, msg); err != nil {
			dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
			return
		}
	}
}

func closeCodeFromError(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseNormalClosure, ""
}

func schemeForWS(scheme string) string {
	switch scheme {
	case "https":
		return "wss"
	case "http":
		return "ws"
	default:
		return scheme
	}
}

// upstreamHeaders forwards the subset of the client's upgrade request
// headers the upstream handshake needs, stripping the hop-by-hop headers
// the dialer recomputes itself.
func upstreamHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "host":
			continue
		}
		out[k] = v
	}
	return out
}
