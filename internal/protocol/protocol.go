// Package protocol implements the ROUTE-O-MATIC control protocol: netlink
// framed messages with a generic-netlink style header and typed attributes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mdlayher/netlink"

	"firestige.xyz/rom/internal/core"
)

// Family and group names.
const (
	FamilyName     = "ROUTE-O-MATIC"
	MulticastGroup = "rom-mc-grp"
)

// Header types. FamilyID is what the controller hands out for FamilyName.
const (
	ControllerID     netlink.HeaderType = 0x10
	FamilyID         netlink.HeaderType = 0x20
	MulticastGroupID uint32             = 1
)

// Version is the generic header version byte.
const Version = 1

// Commands.
const (
	CmdRouteRequest uint8 = iota + 1 // RREQ
	CmdRouteLife                     // RLIFE
	CmdRouteAdd                      // RTADD
	CmdRouteDel                      // RTDEL
	CmdRouteDump                     // RTDMP
	CmdQueueRelease                  // QREL
	CmdQueueDump                     // QDMP
	CmdSetGateway                    // SETGW
	CmdRouteError                    // RERR
)

var cmdNames = map[uint8]string{
	CmdRouteRequest: "RREQ",
	CmdRouteLife:    "RLIFE",
	CmdRouteAdd:     "RTADD",
	CmdRouteDel:     "RTDEL",
	CmdRouteDump:    "RTDMP",
	CmdQueueRelease: "QREL",
	CmdQueueDump:    "QDMP",
	CmdSetGateway:   "SETGW",
	CmdRouteError:   "RERR",
}

// CommandName returns the protocol mnemonic of cmd.
func CommandName(cmd uint8) string {
	if n, ok := cmdNames[cmd]; ok {
		return n
	}
	return fmt.Sprintf("cmd(%d)", cmd)
}

// NotificationCommand maps a notification kind to its command.
func NotificationCommand(k core.NotificationKind) (uint8, bool) {
	switch k {
	case core.RouteRequest:
		return CmdRouteRequest, true
	case core.RouteLife:
		return CmdRouteLife, true
	case core.RouteError:
		return CmdRouteError, true
	}
	return 0, false
}

// Attribute types.
const (
	AttrDst     uint16 = iota + 1 // u32 destination address
	AttrMask                      // u32 destination mask
	AttrRoute                     // u32 address whose route was used
	AttrGWState                   // u8 0 or 1
	AttrErrHost                   // u32 failed destination
	AttrQUsed                     // u32 bytes in use
	AttrQCap                      // u32 capacity in bytes
	AttrQLen                      // u32 queued packets
)

// ByteOrder is the byte order of attribute values.
var ByteOrder binary.ByteOrder = binary.BigEndian

// Attrs holds the decoded attributes of one message. Absent attributes are
// nil.
type Attrs struct {
	Dst     *core.Addr
	Mask    *uint32
	Route   *core.Addr
	GWState *uint8
	ErrHost *core.Addr
	QUsed   *uint32
	QCap    *uint32
	QLen    *uint32
}

// DestMask returns DST/MASK, failing with core.ErrProtocol when either is
// missing.
func (a Attrs) DestMask() (core.AddressMask, error) {
	if a.Dst == nil || a.Mask == nil {
		return core.AddressMask{}, fmt.Errorf("DST and MASK are required: %w", core.ErrProtocol)
	}
	return core.AddressMask{Addr: *a.Dst, Mask: *a.Mask}, nil
}

// Gateway returns GWSTATE, failing with core.ErrProtocol when it is missing
// or not 0 or 1.
func (a Attrs) Gateway() (bool, error) {
	if a.GWState == nil {
		return false, fmt.Errorf("GWSTATE is required: %w", core.ErrProtocol)
	}
	switch *a.GWState {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("GWSTATE %d out of range: %w", *a.GWState, core.ErrProtocol)
}

// Ptr returns a pointer to v; handy for building Attrs.
func Ptr[T any](v T) *T { return &v }

// EncodeAttrs encodes every non-nil attribute in type order.
func EncodeAttrs(a Attrs) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = ByteOrder
	if a.Dst != nil {
		ae.Uint32(AttrDst, uint32(*a.Dst))
	}
	if a.Mask != nil {
		ae.Uint32(AttrMask, *a.Mask)
	}
	if a.Route != nil {
		ae.Uint32(AttrRoute, uint32(*a.Route))
	}
	if a.GWState != nil {
		ae.Uint8(AttrGWState, *a.GWState)
	}
	if a.ErrHost != nil {
		ae.Uint32(AttrErrHost, uint32(*a.ErrHost))
	}
	if a.QUsed != nil {
		ae.Uint32(AttrQUsed, *a.QUsed)
	}
	if a.QCap != nil {
		ae.Uint32(AttrQCap, *a.QCap)
	}
	if a.QLen != nil {
		ae.Uint32(AttrQLen, *a.QLen)
	}
	return ae.Encode()
}

// DecodeAttrs decodes b. Unknown attributes are skipped; a malformed
// attribute fails with core.ErrProtocol.
func DecodeAttrs(b []byte) (Attrs, error) {
	var a Attrs
	if len(b) == 0 {
		return a, nil
	}
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return a, fmt.Errorf("decode attributes: %v: %w", err, core.ErrProtocol)
	}
	ad.ByteOrder = ByteOrder
	for ad.Next() {
		switch ad.Type() {
		case AttrDst:
			a.Dst = Ptr(core.Addr(ad.Uint32()))
		case AttrMask:
			a.Mask = Ptr(ad.Uint32())
		case AttrRoute:
			a.Route = Ptr(core.Addr(ad.Uint32()))
		case AttrGWState:
			a.GWState = Ptr(ad.Uint8())
		case AttrErrHost:
			a.ErrHost = Ptr(core.Addr(ad.Uint32()))
		case AttrQUsed:
			a.QUsed = Ptr(ad.Uint32())
		case AttrQCap:
			a.QCap = Ptr(ad.Uint32())
		case AttrQLen:
			a.QLen = Ptr(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return Attrs{}, fmt.Errorf("decode attributes: %v: %w", err, core.ErrProtocol)
	}
	return a, nil
}

// GenlHeaderLen is the size of the command header that precedes attributes.
const GenlHeaderLen = 4

var errShortPayload = errors.New("payload shorter than command header")

// align rounds n up to the netlink 4-byte alignment.
func align(n int) int {
	return (n + 3) &^ 3
}

const headerLen = 16

// NewMessage builds a message of type typ carrying cmd and the encoded
// attributes.
func NewMessage(typ netlink.HeaderType, flags netlink.HeaderFlags, seq uint32, cmd uint8, attrs []byte) netlink.Message {
	data := make([]byte, GenlHeaderLen+len(attrs))
	data[0] = cmd
	data[1] = Version
	copy(data[GenlHeaderLen:], attrs)
	return withLength(netlink.Message{
		Header: netlink.Header{Type: typ, Flags: flags, Sequence: seq},
		Data:   data,
	})
}

// withLength sets Header.Length to the aligned total size.
func withLength(m netlink.Message) netlink.Message {
	m.Header.Length = uint32(align(headerLen + len(m.Data)))
	return m
}

// Payload splits a family or controller message into its command and
// attribute bytes.
func Payload(m netlink.Message) (cmd uint8, attrs []byte, err error) {
	if len(m.Data) < GenlHeaderLen {
		return 0, nil, fmt.Errorf("%v: %w", errShortPayload, core.ErrProtocol)
	}
	return m.Data[0], m.Data[GenlHeaderLen:], nil
}

// Request builds a family request with the given attributes.
func Request(cmd uint8, seq uint32, flags netlink.HeaderFlags, a Attrs) (netlink.Message, error) {
	b, err := EncodeAttrs(a)
	if err != nil {
		return netlink.Message{}, err
	}
	return NewMessage(FamilyID, netlink.Request|flags, seq, cmd, b), nil
}

// Notification builds the multicast message for n.
func Notification(n core.Notification) (netlink.Message, error) {
	cmd, ok := NotificationCommand(n.Kind)
	if !ok {
		return netlink.Message{}, fmt.Errorf("no command for %s", n.Kind)
	}
	var a Attrs
	switch n.Kind {
	case core.RouteRequest:
		a.Dst = Ptr(n.Addr)
	case core.RouteLife:
		a.Route = Ptr(n.Addr)
	case core.RouteError:
		a.ErrHost = Ptr(n.Addr)
	}
	b, err := EncodeAttrs(a)
	if err != nil {
		return netlink.Message{}, err
	}
	return NewMessage(FamilyID, 0, 0, cmd, b), nil
}

// ParseNotification decodes a multicast message.
func ParseNotification(m netlink.Message) (core.Notification, error) {
	cmd, b, err := Payload(m)
	if err != nil {
		return core.Notification{}, err
	}
	a, err := DecodeAttrs(b)
	if err != nil {
		return core.Notification{}, err
	}
	var addr *core.Addr
	var kind core.NotificationKind
	switch cmd {
	case CmdRouteRequest:
		kind, addr = core.RouteRequest, a.Dst
	case CmdRouteLife:
		kind, addr = core.RouteLife, a.Route
	case CmdRouteError:
		kind, addr = core.RouteError, a.ErrHost
	default:
		return core.Notification{}, fmt.Errorf("%s is not a notification: %w", CommandName(cmd), core.ErrProtocol)
	}
	if addr == nil {
		return core.Notification{}, fmt.Errorf("%s without address: %w", CommandName(cmd), core.ErrProtocol)
	}
	return core.Notification{Kind: kind, Addr: *addr}, nil
}

// Done builds the message that terminates a dump.
func Done(seq uint32) netlink.Message {
	return withLength(netlink.Message{
		Header: netlink.Header{Type: netlink.Done, Flags: netlink.Multi, Sequence: seq},
		Data:   make([]byte, 4),
	})
}
