// Package command implements the control protocol endpoint: the request
// handler, the Unix socket server that carries it and a client for it.
package command

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mdlayher/netlink"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
	"firestige.xyz/rom/internal/protocol"
	"firestige.xyz/rom/internal/queue"
)

// Engine is the state the handler mutates and dumps.
type Engine interface {
	AddRoute(dest core.AddressMask) (queue.ReleaseResult, error)
	DeleteRoute(dest core.AddressMask) error
	Release(dest core.AddressMask) (queue.ReleaseResult, error)
	SetGateway(on bool)
	Routes() iter.Seq[core.AddressMask]
	Queues() iter.Seq[queue.Stat]
}

// Membership tracks multicast groups for the connection a request arrived
// on.
type Membership interface {
	Join(group uint32) error
	Leave(group uint32) error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	engine Engine
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(e Engine) *CommandHandler {
	return &CommandHandler{engine: e}
}

// Handle processes one request and returns the messages to send back, in
// order. Every request gets at least one reply except a successful
// non-dump request without NLM_F_ACK.
func (h *CommandHandler) Handle(req netlink.Message, mem Membership) []netlink.Message {
	switch req.Header.Type {
	case protocol.FamilyID:
		return h.handleFamily(req)
	case protocol.ControllerID:
		return h.handleController(req, mem)
	}
	err := fmt.Errorf("message type %d: %w", req.Header.Type, protocol.ErrUnknownCommand)
	return []netlink.Message{protocol.ErrorMessage(req.Header, err)}
}

func (h *CommandHandler) handleFamily(req netlink.Message) []netlink.Message {
	start := time.Now()
	cmd, b, err := protocol.Payload(req)
	name := protocol.CommandName(cmd)

	var dump []netlink.Message
	if err == nil {
		var attrs protocol.Attrs
		attrs, err = protocol.DecodeAttrs(b)
		if err == nil {
			dump, err = h.dispatch(cmd, req.Header.Sequence, attrs)
		}
	}
	h.record(name, start, err)

	switch {
	case err != nil:
		return []netlink.Message{protocol.ErrorMessage(req.Header, err)}
	case dump != nil:
		return append(dump, protocol.Done(req.Header.Sequence))
	case req.Header.Flags&netlink.Acknowledge != 0:
		return []netlink.Message{protocol.ErrorMessage(req.Header, nil)}
	}
	return nil
}

// dispatch applies cmd. Dump commands return their item messages, never
// nil on success.
func (h *CommandHandler) dispatch(cmd uint8, seq uint32, attrs protocol.Attrs) ([]netlink.Message, error) {
	switch cmd {
	case protocol.CmdRouteAdd:
		am, err := attrs.DestMask()
		if err != nil {
			return nil, err
		}
		res, err := h.engine.AddRoute(am)
		if err != nil {
			return nil, err
		}
		log.GetLogger().WithField("dst", am.String()).Infof("route added, %d packets released", res.Released)
		return nil, nil

	case protocol.CmdRouteDel:
		am, err := attrs.DestMask()
		if err != nil {
			return nil, err
		}
		if err := h.engine.DeleteRoute(am); err != nil {
			return nil, err
		}
		log.GetLogger().WithField("dst", am.String()).Info("route deleted")
		return nil, nil

	case protocol.CmdQueueRelease:
		am, err := attrs.DestMask()
		if err != nil {
			return nil, err
		}
		_, err = h.engine.Release(am)
		return nil, err

	case protocol.CmdSetGateway:
		on, err := attrs.Gateway()
		if err != nil {
			return nil, err
		}
		h.engine.SetGateway(on)
		return nil, nil

	case protocol.CmdRouteDump:
		return h.dumpRoutes(seq)

	case protocol.CmdQueueDump:
		return h.dumpQueues(seq)
	}
	return nil, fmt.Errorf("%s: %w", protocol.CommandName(cmd), protocol.ErrUnknownCommand)
}

func (h *CommandHandler) dumpRoutes(seq uint32) ([]netlink.Message, error) {
	out := []netlink.Message{}
	for am := range h.engine.Routes() {
		b, err := protocol.EncodeAttrs(protocol.Attrs{Dst: protocol.Ptr(am.Addr), Mask: protocol.Ptr(am.Mask)})
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.NewMessage(protocol.FamilyID, netlink.Multi, seq, protocol.CmdRouteDump, b))
	}
	return out, nil
}

func (h *CommandHandler) dumpQueues(seq uint32) ([]netlink.Message, error) {
	out := []netlink.Message{}
	for s := range h.engine.Queues() {
		b, err := protocol.EncodeAttrs(protocol.Attrs{
			Dst:   protocol.Ptr(s.Dest),
			QUsed: protocol.Ptr(uint32(s.Used)),
			QCap:  protocol.Ptr(uint32(s.Capacity)),
			QLen:  protocol.Ptr(uint32(s.Len)),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.NewMessage(protocol.FamilyID, netlink.Multi, seq, protocol.CmdQueueDump, b))
	}
	return out, nil
}

func (h *CommandHandler) handleController(req netlink.Message, mem Membership) []netlink.Message {
	start := time.Now()
	cmd, b, err := protocol.Payload(req)
	name := controllerName(cmd)

	var reply []netlink.Message
	if err == nil {
		var c protocol.ControlAttrs
		c, err = protocol.ParseControl(b)
		if err == nil {
			reply, err = h.control(cmd, req.Header.Sequence, c, mem)
		}
	}
	h.record(name, start, err)

	switch {
	case err != nil:
		return []netlink.Message{protocol.ErrorMessage(req.Header, err)}
	case reply != nil:
		return reply
	case req.Header.Flags&netlink.Acknowledge != 0:
		return []netlink.Message{protocol.ErrorMessage(req.Header, nil)}
	}
	return nil
}

func (h *CommandHandler) control(cmd uint8, seq uint32, c protocol.ControlAttrs, mem Membership) ([]netlink.Message, error) {
	switch cmd {
	case protocol.CtrlCmdGetFamily:
		if c.FamilyName != protocol.FamilyName {
			return nil, fmt.Errorf("family %q: %w", c.FamilyName, core.ErrNotFound)
		}
		m, err := protocol.FamilyReply(seq)
		if err != nil {
			return nil, err
		}
		return []netlink.Message{m}, nil

	case protocol.CtrlCmdJoinGroup, protocol.CtrlCmdLeaveGroup:
		if c.GroupID == nil {
			return nil, fmt.Errorf("group id is required: %w", core.ErrProtocol)
		}
		if *c.GroupID != protocol.MulticastGroupID {
			return nil, fmt.Errorf("group %d: %w", *c.GroupID, core.ErrNotFound)
		}
		if mem == nil {
			return nil, fmt.Errorf("group membership: %w", protocol.ErrUnknownCommand)
		}
		if cmd == protocol.CtrlCmdJoinGroup {
			return nil, mem.Join(*c.GroupID)
		}
		return nil, mem.Leave(*c.GroupID)
	}
	return nil, fmt.Errorf("controller %s: %w", controllerName(cmd), protocol.ErrUnknownCommand)
}

func controllerName(cmd uint8) string {
	switch cmd {
	case protocol.CtrlCmdGetFamily:
		return "GETFAMILY"
	case protocol.CtrlCmdJoinGroup:
		return "JOIN"
	case protocol.CtrlCmdLeaveGroup:
		return "LEAVE"
	}
	return fmt.Sprintf("ctrl(%d)", cmd)
}

func (h *CommandHandler) record(name string, start time.Time, err error) {
	metrics.ControlLatencySeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.ControlCommandsTotal.WithLabelValues(name, metrics.ResultOK).Inc()
		return
	}
	metrics.ControlCommandsTotal.WithLabelValues(name, metrics.ResultError).Inc()

	l := log.GetLogger().WithField("cmd", name)
	if errors.Is(err, core.ErrNotFound) {
		l.Debugf("command failed: %v", err)
		return
	}
	l.Warnf("command failed: %v", err)
}
