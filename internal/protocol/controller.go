package protocol

import (
	"fmt"

	"github.com/mdlayher/netlink"

	"firestige.xyz/rom/internal/core"
)

// Controller commands. JoinGroup and LeaveGroup replace socket-level
// multicast membership, which a Unix socket does not have.
const (
	CtrlCmdGetFamily  uint8 = 3
	CtrlCmdJoinGroup  uint8 = 0x40
	CtrlCmdLeaveGroup uint8 = 0x41
)

// Controller attributes. Their values use native byte order.
const (
	CtrlAttrFamilyID    uint16 = 1
	CtrlAttrFamilyName  uint16 = 2
	CtrlAttrMcastGroups uint16 = 7
	CtrlAttrMcastGrpID  uint16 = 8

	CtrlAttrMcastGrpName uint16 = 1 // inside a group entry
	CtrlAttrMcastGrpVal  uint16 = 2 // inside a group entry
)

// Family is the controller's description of a protocol family.
type Family struct {
	ID     uint16
	Name   string
	Groups map[string]uint32
}

// FamilyRequest asks the controller to resolve name.
func FamilyRequest(seq uint32, name string) (netlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.String(CtrlAttrFamilyName, name)
	b, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}
	return NewMessage(ControllerID, netlink.Request, seq, CtrlCmdGetFamily, b), nil
}

// GroupRequest joins (join=true) or leaves the multicast group id.
func GroupRequest(seq uint32, id uint32, join bool) (netlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(CtrlAttrMcastGrpID, id)
	b, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}
	cmd := CtrlCmdLeaveGroup
	if join {
		cmd = CtrlCmdJoinGroup
	}
	return NewMessage(ControllerID, netlink.Request|netlink.Acknowledge, seq, cmd, b), nil
}

// FamilyReply describes this endpoint's family.
func FamilyReply(seq uint32) (netlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint16(CtrlAttrFamilyID, uint16(FamilyID))
	ae.String(CtrlAttrFamilyName, FamilyName)
	ae.Nested(CtrlAttrMcastGroups, func(nae *netlink.AttributeEncoder) error {
		nae.Nested(1, func(g *netlink.AttributeEncoder) error {
			g.String(CtrlAttrMcastGrpName, MulticastGroup)
			g.Uint32(CtrlAttrMcastGrpVal, MulticastGroupID)
			return nil
		})
		return nil
	})
	b, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}
	return NewMessage(ControllerID, 0, seq, CtrlCmdGetFamily, b), nil
}

// ParseFamily decodes a GETFAMILY reply.
func ParseFamily(m netlink.Message) (Family, error) {
	_, b, err := Payload(m)
	if err != nil {
		return Family{}, err
	}
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return Family{}, fmt.Errorf("decode family: %v: %w", err, core.ErrProtocol)
	}
	f := Family{Groups: make(map[string]uint32)}
	for ad.Next() {
		switch ad.Type() {
		case CtrlAttrFamilyID:
			f.ID = ad.Uint16()
		case CtrlAttrFamilyName:
			f.Name = ad.String()
		case CtrlAttrMcastGroups:
			ad.Nested(func(groups *netlink.AttributeDecoder) error {
				for groups.Next() {
					groups.Nested(func(g *netlink.AttributeDecoder) error {
						var name string
						var id uint32
						for g.Next() {
							switch g.Type() {
							case CtrlAttrMcastGrpName:
								name = g.String()
							case CtrlAttrMcastGrpVal:
								id = g.Uint32()
							}
						}
						if name != "" {
							f.Groups[name] = id
						}
						return nil
					})
				}
				return nil
			})
		}
	}
	if err := ad.Err(); err != nil {
		return Family{}, fmt.Errorf("decode family: %v: %w", err, core.ErrProtocol)
	}
	return f, nil
}

// ControlAttrs decodes the attributes of a controller request.
type ControlAttrs struct {
	FamilyName string
	GroupID    *uint32
}

// ParseControl decodes a controller request payload.
func ParseControl(b []byte) (ControlAttrs, error) {
	var c ControlAttrs
	if len(b) == 0 {
		return c, nil
	}
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return c, fmt.Errorf("decode control attributes: %v: %w", err, core.ErrProtocol)
	}
	for ad.Next() {
		switch ad.Type() {
		case CtrlAttrFamilyName:
			c.FamilyName = ad.String()
		case CtrlAttrMcastGrpID:
			c.GroupID = Ptr(ad.Uint32())
		}
	}
	if err := ad.Err(); err != nil {
		return ControlAttrs{}, fmt.Errorf("decode control attributes: %v: %w", err, core.ErrProtocol)
	}
	return c, nil
}
