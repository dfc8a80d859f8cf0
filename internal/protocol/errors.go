package protocol

import (
	"errors"
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"firestige.xyz/rom/internal/core"
)

// ErrUnknownCommand is returned for a command the endpoint does not serve.
var ErrUnknownCommand = errors.New("rom: unknown command")

var errnoTable = []struct {
	err   error
	errno unix.Errno
}{
	{core.ErrProtocol, unix.EINVAL},
	{core.ErrNotFound, unix.ENOENT},
	{core.ErrFull, unix.ENOSPC},
	{core.ErrStructuralMismatch, unix.EIO},
	{core.ErrAllocation, unix.ENOMEM},
	{ErrUnknownCommand, unix.EOPNOTSUPP},
}

// Errno maps err onto the errno reported on the wire. nil maps to 0 and
// anything unrecognised to EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Errno
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return unix.EIO
}

// Error is a failure reported by the endpoint. It matches both its errno and
// the corresponding core error with errors.Is.
type Error struct {
	Errno unix.Errno
	Cmd   uint8
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", CommandName(e.Cmd), e.Errno)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Errno}
	for _, t := range errnoTable {
		if t.errno == e.Errno {
			errs = append(errs, t.err)
			break
		}
	}
	return errs
}

// ErrorMessage builds the NLMSG_ERROR reply to req carrying err (nil for a
// positive acknowledgement).
func ErrorMessage(req netlink.Header, err error) netlink.Message {
	data := make([]byte, 4+headerLen)
	nlenc.PutInt32(data[0:4], -int32(Errno(err)))
	nlenc.PutUint32(data[4:8], headerLen)
	nlenc.PutUint16(data[8:10], uint16(req.Type))
	nlenc.PutUint16(data[10:12], uint16(req.Flags))
	nlenc.PutUint32(data[12:16], req.Sequence)
	nlenc.PutUint32(data[16:20], req.PID)
	return withLength(netlink.Message{
		Header: netlink.Header{Type: netlink.Error, Flags: netlink.Capped, Sequence: req.Sequence},
		Data:   data,
	})
}

// ParseError decodes an NLMSG_ERROR message. It returns nil for an
// acknowledgement. cmd only labels the error.
func ParseError(m netlink.Message, cmd uint8) error {
	if len(m.Data) < 4 {
		return fmt.Errorf("short error message: %w", core.ErrProtocol)
	}
	code := nlenc.Int32(m.Data[0:4])
	if code == 0 {
		return nil
	}
	if code < 0 {
		code = -code
	}
	return &Error{Errno: unix.Errno(code), Cmd: cmd}
}
