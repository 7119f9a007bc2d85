package tlsforward

import (
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/hellas-ai/gate/internal/identity"
)

// nodeAddr is a net.Addr whose sole identity is a Gate NodeID, used to
// satisfy net.Conn's LocalAddr/RemoteAddr contract for streams that have no
// underlying socket address of their own.
type nodeAddr struct {
	id identity.NodeID
}

func (a nodeAddr) Network() string { return "gate" }
func (a nodeAddr) String() string  { return a.id.String() }

// streamConn adapts a quic.Stream (plus the peer identity of the
// connection it belongs to) into a net.Conn, so a forwarded TLS stream can
// be handed to tlsaccept.Acceptor/http.Server exactly like a direct TCP
// connection, matching spec.md §4.G's "as if it were a direct TCP
// connection" handover requirement.
type streamConn struct {
	quic.Stream
	local net.Addr
	peer  net.Addr
}

func newStreamConn(s quic.Stream, local, peer identity.NodeID) net.Conn {
	return &streamConn{Stream: s, local: nodeAddr{local}, peer: nodeAddr{peer}}
}

func (c *streamConn) LocalAddr() net.Addr  { return c.local }
func (c *streamConn) RemoteAddr() net.Addr { return c.peer }

func (c *streamConn) SetDeadline(t time.Time) error {
	if err := c.Stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Stream.SetWriteDeadline(t)
}
