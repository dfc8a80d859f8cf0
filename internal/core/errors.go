// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and test
// with errors.Is.
var (
	// ErrAllocation: a buffer or queue node could not be obtained. The packet
	// is dropped.
	ErrAllocation = errors.New("rom: allocation failure")

	// ErrStructuralMismatch: a queue drain met an entry whose packet and
	// continuation could not both be read. The release aborts.
	ErrStructuralMismatch = errors.New("rom: structural mismatch in queue entry")

	// ErrFull: whitelist or route table capacity exceeded.
	ErrFull = errors.New("rom: table full")

	// ErrNotFound: delete or lookup miss.
	ErrNotFound = errors.New("rom: entry not found")

	// ErrProtocol: a required attribute is missing or invalid.
	ErrProtocol = errors.New("rom: protocol error")

	// ErrNoSubscriber: a broadcast had no listener. Never surfaced to the
	// code path that triggered the notification.
	ErrNoSubscriber = errors.New("rom: no subscriber")

	// ErrQueueClosed: the packet queue was destroyed at shutdown.
	ErrQueueClosed = errors.New("rom: packet queue closed")

	// ErrBusClosed: the notification bus was closed.
	ErrBusClosed = errors.New("rom: event bus closed")

	// ErrNotIPv4: the packet does not carry a decodable IPv4 header.
	ErrNotIPv4 = errors.New("rom: not an IPv4 packet")

	// ErrPacketConsumed: the packet was already forwarded or discarded.
	ErrPacketConsumed = errors.New("rom: packet already consumed")
)
