package command

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/mdlayher/netlink"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/protocol"
	"firestige.xyz/rom/internal/queue"
)

// UDSClient talks to a control endpoint over a Unix domain socket. Each
// request uses its own connection; Monitor keeps one open.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
	seq        atomic.Uint32
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

func (c *UDSClient) nextSeq() uint32 {
	return c.seq.Add(1)
}

func (c *UDSClient) dial(ctx context.Context) (*protocol.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	return protocol.NewConn(conn), nil
}

// Call sends req and collects the reply. A dump returns its item messages;
// an acknowledgement returns none; a failure returns a *protocol.Error.
func (c *UDSClient) Call(ctx context.Context, req netlink.Message) ([]netlink.Message, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.NetConn().SetDeadline(deadline)

	if err := conn.WriteMessage(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return readReply(conn, req, nil)
}

// readReply reads until the reply to req is complete. Notifications that
// arrive in between go to notify when it is non-nil.
func readReply(conn *protocol.Conn, req netlink.Message, notify func(netlink.Message)) ([]netlink.Message, error) {
	cmd, _, _ := protocol.Payload(req)
	var items []netlink.Message
	for {
		m, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if m.Header.Sequence != req.Header.Sequence {
			if notify != nil && m.Header.Sequence == 0 {
				notify(m)
				continue
			}
			return nil, fmt.Errorf("response sequence mismatch: expected %d, got %d", req.Header.Sequence, m.Header.Sequence)
		}
		switch {
		case m.Header.Type == netlink.Error:
			if err := protocol.ParseError(m, cmd); err != nil {
				return nil, err
			}
			return items, nil
		case m.Header.Type == netlink.Done:
			return items, nil
		case m.Header.Flags&netlink.Multi != 0:
			items = append(items, m)
		default:
			return []netlink.Message{m}, nil
		}
	}
}

func (c *UDSClient) do(ctx context.Context, cmd uint8, flags netlink.HeaderFlags, attrs protocol.Attrs) ([]netlink.Message, error) {
	req, err := protocol.Request(cmd, c.nextSeq(), flags, attrs)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, req)
}

func (c *UDSClient) ack(ctx context.Context, cmd uint8, attrs protocol.Attrs) error {
	_, err := c.do(ctx, cmd, netlink.Acknowledge, attrs)
	return err
}

func destMask(am core.AddressMask) protocol.Attrs {
	return protocol.Attrs{Dst: protocol.Ptr(am.Addr), Mask: protocol.Ptr(am.Mask)}
}

// AddRoute sends RTADD. The endpoint releases matching queues before it
// acknowledges.
func (c *UDSClient) AddRoute(ctx context.Context, am core.AddressMask) error {
	return c.ack(ctx, protocol.CmdRouteAdd, destMask(am))
}

// DeleteRoute sends RTDEL.
func (c *UDSClient) DeleteRoute(ctx context.Context, am core.AddressMask) error {
	return c.ack(ctx, protocol.CmdRouteDel, destMask(am))
}

// ReleaseQueue sends QREL.
func (c *UDSClient) ReleaseQueue(ctx context.Context, am core.AddressMask) error {
	return c.ack(ctx, protocol.CmdQueueRelease, destMask(am))
}

// SetGateway sends SETGW.
func (c *UDSClient) SetGateway(ctx context.Context, on bool) error {
	var state uint8
	if on {
		state = 1
	}
	return c.ack(ctx, protocol.CmdSetGateway, protocol.Attrs{GWState: &state})
}

// RouteDump sends RTDMP and returns the live route table entries.
func (c *UDSClient) RouteDump(ctx context.Context) ([]core.AddressMask, error) {
	msgs, err := c.do(ctx, protocol.CmdRouteDump, netlink.Dump, protocol.Attrs{})
	if err != nil {
		return nil, err
	}
	routes := make([]core.AddressMask, 0, len(msgs))
	for _, m := range msgs {
		attrs, err := decodeItem(m)
		if err != nil {
			return nil, err
		}
		am, err := attrs.DestMask()
		if err != nil {
			return nil, err
		}
		routes = append(routes, am)
	}
	return routes, nil
}

// QueueDump sends QDMP and returns one Stat per pending queue.
func (c *UDSClient) QueueDump(ctx context.Context) ([]queue.Stat, error) {
	msgs, err := c.do(ctx, protocol.CmdQueueDump, netlink.Dump, protocol.Attrs{})
	if err != nil {
		return nil, err
	}
	stats := make([]queue.Stat, 0, len(msgs))
	for _, m := range msgs {
		a, err := decodeItem(m)
		if err != nil {
			return nil, err
		}
		if a.Dst == nil || a.QUsed == nil || a.QCap == nil || a.QLen == nil {
			return nil, fmt.Errorf("incomplete queue entry: %w", core.ErrProtocol)
		}
		stats = append(stats, queue.Stat{
			Dest:     *a.Dst,
			Used:     int(*a.QUsed),
			Capacity: int(*a.QCap),
			Len:      int(*a.QLen),
		})
	}
	return stats, nil
}

func decodeItem(m netlink.Message) (protocol.Attrs, error) {
	_, b, err := protocol.Payload(m)
	if err != nil {
		return protocol.Attrs{}, err
	}
	return protocol.DecodeAttrs(b)
}

// Family resolves the protocol family through the controller.
func (c *UDSClient) Family(ctx context.Context) (protocol.Family, error) {
	req, err := protocol.FamilyRequest(c.nextSeq(), protocol.FamilyName)
	if err != nil {
		return protocol.Family{}, err
	}
	msgs, err := c.Call(ctx, req)
	if err != nil {
		return protocol.Family{}, err
	}
	if len(msgs) != 1 {
		return protocol.Family{}, fmt.Errorf("family reply: %w", core.ErrProtocol)
	}
	return protocol.ParseFamily(msgs[0])
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Family(ctx)
	return err
}

// Monitor joins the notification group and calls fn for every notification
// until ctx is done or the connection fails. It returns nil when ctx ends.
// ready, when non-nil, is called once the join is acknowledged.
func (c *UDSClient) Monitor(ctx context.Context, ready func(), fn func(core.Notification)) error {
	fam, err := c.Family(ctx)
	if err != nil {
		return err
	}
	group, ok := fam.Groups[protocol.MulticastGroup]
	if !ok {
		return fmt.Errorf("group %q: %w", protocol.MulticastGroup, core.ErrNotFound)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deliver := func(m netlink.Message) {
		n, err := protocol.ParseNotification(m)
		if err != nil {
			return
		}
		fn(n)
	}

	req, err := protocol.GroupRequest(c.nextSeq(), group, true)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(req); err != nil {
		return monitorErr(ctx, err)
	}
	if _, err := readReply(conn, req, deliver); err != nil {
		return monitorErr(ctx, err)
	}
	if ready != nil {
		ready()
	}

	for {
		m, err := conn.ReadMessage()
		if err != nil {
			return monitorErr(ctx, err)
		}
		deliver(m)
	}
}

func monitorErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("monitor: %w", err)
}
