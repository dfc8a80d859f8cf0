package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// MaxMessageSize bounds one incoming message.
const MaxMessageSize = 64 << 10

// Conn reads and writes netlink messages back to back on a stream
// connection. Reads and writes may happen concurrently with each other; each
// direction is serialized.
type Conn struct {
	c  net.Conn
	br *bufio.Reader

	rmu sync.Mutex
	wmu sync.Mutex
}

func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, br: bufio.NewReader(c)}
}

// ReadMessage blocks until a whole message arrives.
func (c *Conn) ReadMessage() (netlink.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(c.br, hdr); err != nil {
		return netlink.Message{}, err
	}
	length := int(nlenc.Uint32(hdr[0:4]))
	if length < headerLen || length > MaxMessageSize || length != align(length) {
		return netlink.Message{}, fmt.Errorf("invalid message length %d", length)
	}
	buf := make([]byte, length)
	copy(buf, hdr)
	if _, err := io.ReadFull(c.br, buf[headerLen:]); err != nil {
		return netlink.Message{}, err
	}

	var m netlink.Message
	if err := m.UnmarshalBinary(buf); err != nil {
		return netlink.Message{}, err
	}
	return m, nil
}

// WriteMessage writes msgs in one call so a dump reply is not interleaved
// with a notification.
func (c *Conn) WriteMessage(msgs ...netlink.Message) error {
	var out []byte
	for _, m := range msgs {
		b, err := withLength(m).MarshalBinary()
		if err != nil {
			return err
		}
		out = append(out, b...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.c.Write(out)
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.c
}
