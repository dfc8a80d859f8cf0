package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/mdlayher/netlink"
	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/eventbus"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
	"firestige.xyz/rom/internal/protocol"
)

// DefaultOutboundBuffer is the number of notifications buffered per
// subscriber before new ones are dropped for it.
const DefaultOutboundBuffer = 64

// UDSServer serves the control protocol over a Unix domain socket and
// forwards bus notifications to every connection joined to the multicast
// group.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler
	bus        eventbus.EventBus
	outbound   int

	listener net.Listener
	sub      *eventbus.Subscription

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       conc.WaitGroup
	stopped  bool
}

// ServerOption configures a UDSServer.
type ServerOption func(*UDSServer)

// WithOutboundBuffer sets the per-subscriber notification buffer.
func WithOutboundBuffer(n int) ServerOption {
	return func(s *UDSServer) {
		if n > 0 {
			s.outbound = n
		}
	}
}

// NewUDSServer creates a new UDS server. bus may be nil, in which case no
// notifications are delivered.
func NewUDSServer(socketPath string, handler *CommandHandler, bus eventbus.EventBus, opts ...ServerOption) *UDSServer {
	s := &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		bus:        bus,
		outbound:   DefaultOutboundBuffer,
		sessions:   make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the socket, subscribes to notifications and accepts
// connections in the background.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.listener = ln

	if s.bus != nil {
		sub, err := eventbus.SubscribeNotifications(s.bus, s.broadcast)
		if err != nil {
			ln.Close()
			return fmt.Errorf("subscribe notifications: %w", err)
		}
		s.sub = &sub
	}

	log.GetLogger().WithField("socket", s.socketPath).Info("control endpoint started")

	s.wg.Go(s.acceptLoop)
	return nil
}

func (s *UDSServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return
			}
			log.GetLogger().WithError(err).Error("failed to accept connection")
			continue
		}

		sess := &session{
			conn:   protocol.NewConn(conn),
			joined: abool.New(),
			out:    make(chan netlink.Message, s.outbound),
			done:   make(chan struct{}),
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.serve(sess) })
		s.wg.Go(sess.writeLoop)
	}
}

// serve reads requests until the peer hangs up.
func (s *UDSServer) serve(sess *session) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		close(sess.done)
		sess.conn.Close()
	}()

	log.GetLogger().Debug("control connection established")

	for {
		req, err := sess.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.GetLogger().Debug("control connection closed")
			} else {
				log.GetLogger().WithError(err).Warn("control connection error")
			}
			return
		}

		replies := s.handler.Handle(req, sess)
		if len(replies) == 0 {
			continue
		}
		if err := sess.conn.WriteMessage(replies...); err != nil {
			log.GetLogger().WithError(err).Warn("failed to send reply")
			return
		}
	}
}

// broadcast hands n to every joined session without blocking.
func (s *UDSServer) broadcast(n core.Notification) error {
	m, err := protocol.Notification(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if !sess.joined.IsSet() {
			continue
		}
		select {
		case sess.out <- m:
		default:
			metrics.NotificationsTotal.WithLabelValues(n.Kind.String(), "subscriber_overflow").Inc()
			log.GetLogger().WithField("dst", n.Addr.String()).Debugf("%s dropped for slow subscriber", n.Kind)
		}
	}
	return nil
}

// Subscribers returns the number of sessions joined to the multicast group.
func (s *UDSServer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.joined.IsSet() {
			n++
		}
	}
	return n
}

// Stop closes the listener and every connection and waits for their
// goroutines.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.sub != nil {
		s.bus.Unsubscribe(*s.sub)
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)

	log.GetLogger().Info("control endpoint stopped")
	return nil
}

// session is one accepted connection. Replies are written by the read
// loop; notifications by writeLoop. protocol.Conn serializes the two.
type session struct {
	conn   *protocol.Conn
	joined *abool.AtomicBool
	out    chan netlink.Message
	done   chan struct{}
}

// Join implements Membership.
func (s *session) Join(uint32) error {
	s.joined.Set()
	return nil
}

// Leave implements Membership.
func (s *session) Leave(uint32) error {
	s.joined.UnSet()
	return nil
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.out:
			if err := s.conn.WriteMessage(m); err != nil {
				log.GetLogger().WithError(err).Debug("notification write failed")
				return
			}
		}
	}
}
