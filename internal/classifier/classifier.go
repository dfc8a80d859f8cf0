// Package classifier decides, per intercepted IPv4 packet, whether it may
// continue or must wait in the pending queue for a route.
package classifier

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go4.org/netipx"

	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
)

// Reason names the rule that produced a verdict.
type Reason string

const (
	ReasonNotIPv4   Reason = "not_ipv4"
	ReasonLoopback  Reason = "loopback"
	ReasonWhitelist Reason = "whitelist"
	ReasonGateway   Reason = "gateway"
	ReasonExternal  Reason = "external"
	ReasonBroadcast Reason = "broadcast"
	ReasonRoute     Reason = "route"
	ReasonQueued    Reason = "queued"
	ReasonDropped   Reason = "dropped"
)

// Result is the outcome of one classification.
type Result struct {
	Verdict core.Verdict
	Reason  Reason
	Dst     core.Addr
}

// Whitelist reports locally owned destinations.
type Whitelist interface {
	Matches(addr core.Addr) bool
}

// Routes reports destinations with a verified route.
type Routes interface {
	HasRoute(addr core.Addr) bool
}

// Liveness throttles route-liveness notifications.
type Liveness interface {
	ShouldNotify(dest core.Addr, now time.Time) bool
}

// Queue stores packets pending a route.
type Queue interface {
	Enqueue(dest core.Addr, pkt core.Packet, cont core.Continuation) (wasEmpty bool, err error)
}

// Flag is the gateway-reachable switch.
type Flag interface {
	IsSet() bool
}

// Classifier is safe for concurrent use; all shared state lives in its
// collaborators.
type Classifier struct {
	whitelist Whitelist
	routes    Routes
	liveness  Liveness
	queue     Queue
	gateway   Flag
	notifier  core.Notifier
	release   func(dest core.Addr)
	now       func() time.Time

	loopback *netipx.IPSet
	private  *netipx.IPSet
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithRelease sets the function that drains the FIFO of a destination whose
// route appeared while one of its packets was being queued. Without it such
// packets wait for the next release of that destination.
func WithRelease(fn func(dest core.Addr)) Option {
	return func(c *Classifier) { c.release = fn }
}

// New wires a Classifier to its collaborators.
func New(wl Whitelist, routes Routes, liveness Liveness, q Queue, gateway Flag, notifier core.Notifier, opts ...Option) *Classifier {
	c := &Classifier{
		whitelist: wl,
		routes:    routes,
		liveness:  liveness,
		queue:     q,
		gateway:   gateway,
		notifier:  notifier,
		now:       time.Now,
		loopback:  mustSet("127.0.0.0/8"),
		private:   mustSet("10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func mustSet(prefixes ...string) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

var limitedBroadcast = core.Addr(0xffffffff)

// Destination extracts the IPv4 destination from raw packet bytes.
func Destination(data []byte) (core.Addr, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil || ip.Version != 4 {
		return 0, core.ErrNotIPv4
	}
	dst, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return 0, core.ErrNotIPv4
	}
	a, _ := core.AddrFromNetip(dst)
	return a, nil
}

// Classify runs the decision rules in order; the first match wins. On
// VerdictStolen the packet has been consumed: a private copy waits in the
// queue, was already released to cont because its route appeared meanwhile,
// or was dropped. cont is handed to the queue and later invoked with the copy.
func (c *Classifier) Classify(hook core.HookPoint, pkt core.Packet, cont core.Continuation) Result {
	res := c.classify(pkt, cont)
	metrics.ClassifierVerdictsTotal.WithLabelValues(hook.String(), string(res.Reason)).Inc()
	return res
}

func (c *Classifier) classify(pkt core.Packet, cont core.Continuation) Result {
	dst, err := Destination(pkt.Data())
	if err != nil {
		return Result{Verdict: core.VerdictAccept, Reason: ReasonNotIPv4}
	}
	accept := func(r Reason) Result {
		return Result{Verdict: core.VerdictAccept, Reason: r, Dst: dst}
	}

	ip := dst.Netip()
	if c.loopback.Contains(ip) {
		return accept(ReasonLoopback)
	}
	if c.whitelist.Matches(dst) {
		return accept(ReasonWhitelist)
	}
	if !c.private.Contains(ip) && dst != limitedBroadcast {
		if c.gateway.IsSet() {
			return accept(ReasonGateway)
		}
		if c.routed(dst) {
			return accept(ReasonRoute)
		}
		res := c.steal(core.ExternalAddr, dst, pkt, cont, ReasonExternal)
		c.notifier.Notify(core.Notification{Kind: core.RouteRequest, Addr: core.ExternalAddr})
		return res.Result
	}
	if dst.LowByte() == 0xff {
		return accept(ReasonBroadcast)
	}
	if c.routed(dst) {
		return accept(ReasonRoute)
	}

	res := c.steal(dst, dst, pkt, cont, ReasonQueued)
	if res.Reason != ReasonQueued {
		return res.Result
	}
	// A route added between the lookup above and the enqueue has already
	// run its release, so the copy would wait for nothing.
	if c.release != nil && c.routes.HasRoute(dst) {
		c.release(dst)
		res.Reason = ReasonRoute
		return res.Result
	}
	if res.wasEmpty {
		c.notifier.Notify(core.Notification{Kind: core.RouteRequest, Addr: dst})
	}
	return res.Result
}

// routed reports whether dst has a route and emits the rate-limited
// liveness notification when it does.
func (c *Classifier) routed(dst core.Addr) bool {
	if !c.routes.HasRoute(dst) {
		return false
	}
	if c.liveness.ShouldNotify(dst, c.now()) {
		c.notifier.Notify(core.Notification{Kind: core.RouteLife, Addr: dst})
	}
	return true
}

type stolen struct {
	Result
	wasEmpty bool
}

// steal queues a copy of pkt under key and consumes the original.
func (c *Classifier) steal(key, dst core.Addr, pkt core.Packet, cont core.Continuation, reason Reason) stolen {
	wasEmpty, err := c.queue.Enqueue(key, pkt, cont)
	pkt.Discard()
	if err != nil {
		log.GetLogger().WithField("dst", dst.String()).Debugf("packet dropped: %v", err)
		return stolen{Result: Result{Verdict: core.VerdictStolen, Reason: ReasonDropped, Dst: dst}}
	}
	return stolen{Result: Result{Verdict: core.VerdictStolen, Reason: reason, Dst: dst}, wasEmpty: wasEmpty}
}
