package replica

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// LDAP tunneled over a websocket, for providers that are only reachable
// through HTTP infrastructure. The tunnel carries raw LDAP PDUs in binary
// frames; framing is transparent to the session layer above.

// DialWebsocketTunnel turns an ldapws:// or ldapwss:// URI into a net.Conn
// speaking to the tunnel endpoint.
func DialWebsocketTunnel(uri string, timeout time.Duration) (net.Conn, error) {
	wsURI := uri
	switch {
	case strings.HasPrefix(uri, "ldapws://"):
		wsURI = "ws://" + strings.TrimPrefix(uri, "ldapws://")
	case strings.HasPrefix(uri, "ldapwss://"):
		wsURI = "wss://" + strings.TrimPrefix(uri, "ldapwss://")
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	wsConn, _, err := dialer.Dial(wsURI, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket tunnel %s: %w", wsURI, err)
	}
	return newWsStreamConn(wsConn), nil
}

// wsStreamConn adapts message-framed websocket io to the stream interface
// the LDAP session expects.
type wsStreamConn struct {
	ws *websocket.Conn

	readBuffer []byte
}

func newWsStreamConn(ws *websocket.Conn) *wsStreamConn {
	return &wsStreamConn{
		ws: ws,
	}
}

func (self *wsStreamConn) Read(b []byte) (int, error) {
	for len(self.readBuffer) == 0 {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		self.readBuffer = message
	}
	n := copy(b, self.readBuffer)
	self.readBuffer = self.readBuffer[n:]
	return n, nil
}

func (self *wsStreamConn) Write(b []byte) (int, error) {
	if err := self.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (self *wsStreamConn) Close() error {
	self.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return self.ws.Close()
}

func (self *wsStreamConn) LocalAddr() net.Addr {
	return self.ws.LocalAddr()
}

func (self *wsStreamConn) RemoteAddr() net.Addr {
	return self.ws.RemoteAddr()
}

func (self *wsStreamConn) SetDeadline(t time.Time) error {
	if err := self.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return self.ws.SetWriteDeadline(t)
}

func (self *wsStreamConn) SetReadDeadline(t time.Time) error {
	return self.ws.SetReadDeadline(t)
}

func (self *wsStreamConn) SetWriteDeadline(t time.Time) error {
	return self.ws.SetWriteDeadline(t)
}
