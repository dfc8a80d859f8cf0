// Package engine owns the forwarding-decision state and applies control
// operations to it.
package engine

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/tevino/abool"

	"firestige.xyz/rom/internal/classifier"
	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/limiter"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
	"firestige.xyz/rom/internal/queue"
	"firestige.xyz/rom/internal/routetable"
)

// Config sizes the engine state.
type Config struct {
	Gateway       bool
	RouteCapacity int
	Queue         queue.Config
	Feedback      limiter.FailureConfig
}

// Engine is the single owner of the route table, pending queue, limiters and
// gateway flag. The classifier reads them on the packet path; control
// operations mutate them under one mutex so that a route change and its
// queue release are never interleaved with another control operation.
type Engine struct {
	routes   *routetable.Table
	queue    *queue.Queue
	liveness *limiter.Liveness
	failure  *limiter.Failure
	gateway  *abool.AtomicBool
	notifier core.Notifier
	cls      *classifier.Classifier
	now      func() time.Time

	ctrl sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now for the limiters.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine. notifier receives every RREQ, RLIFE and RERR.
func New(cfg Config, wl classifier.Whitelist, notifier core.Notifier, opts ...Option) *Engine {
	e := &Engine{
		routes:   routetable.New(cfg.RouteCapacity),
		queue:    queue.New(cfg.Queue),
		liveness: limiter.NewLiveness(),
		failure:  limiter.NewFailure(cfg.Feedback),
		gateway:  abool.NewBool(cfg.Gateway),
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cls = classifier.New(wl, e.routes, e.liveness, e.queue, e.gateway, notifier,
		classifier.WithClock(func() time.Time { return e.now() }),
		classifier.WithRelease(e.releaseLate))
	return e
}

// Classify runs the packet classifier.
func (e *Engine) Classify(hook core.HookPoint, pkt core.Packet, cont core.Continuation) classifier.Result {
	return e.cls.Classify(hook, pkt, cont)
}

// AddRoute installs dest and then releases every queue it covers.
func (e *Engine) AddRoute(dest core.AddressMask) (queue.ReleaseResult, error) {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()

	if err := e.routes.Add(dest); err != nil {
		log.GetLogger().WithField("dst", dest.String()).Warnf("route not added: %v", err)
		return queue.ReleaseResult{}, fmt.Errorf("add route %s: %w", dest, err)
	}
	metrics.Routes.Set(float64(e.routes.Len()))
	return e.release(dest)
}

// DeleteRoute removes the entry whose address equals dest.Addr.
func (e *Engine) DeleteRoute(dest core.AddressMask) error {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()

	if err := e.routes.Delete(dest); err != nil {
		return fmt.Errorf("delete route %s: %w", dest, err)
	}
	metrics.Routes.Set(float64(e.routes.Len()))
	return nil
}

// Release drains the queues selected by dest.
func (e *Engine) Release(dest core.AddressMask) (queue.ReleaseResult, error) {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()
	return e.release(dest)
}

func (e *Engine) release(dest core.AddressMask) (queue.ReleaseResult, error) {
	res, err := e.queue.Release(dest)
	for _, f := range res.Failed {
		log.GetLogger().WithField("dst", f.Dest.String()).Debugf("re-injection failed: %v", f.Err)
		e.ReportLinkFailure(f.Dest)
	}
	if err != nil {
		log.GetLogger().WithField("dst", dest.String()).Errorf("queue release aborted: %v", err)
		return res, err
	}
	if res.Released > 0 {
		log.GetLogger().WithField("dst", dest.String()).Debugf("released %d packets", res.Released)
	}
	return res, nil
}

// releaseLate drains the FIFO of dst after the classifier queued a packet
// for it behind a concurrent AddRoute. It does not take ctrl: a continuation
// re-entering the classifier during a release must not block on it.
func (e *Engine) releaseLate(dst core.Addr) {
	e.release(core.Host(dst))
}

// SetGateway sets the gateway-reachable flag.
func (e *Engine) SetGateway(on bool) {
	e.gateway.SetTo(on)
	log.GetLogger().Infof("gateway reachable: %t", on)
}

// Gateway reports the gateway-reachable flag.
func (e *Engine) Gateway() bool {
	return e.gateway.IsSet()
}

// ReportLinkFailure records a link-layer failure for dst and emits a route
// error when the failure limiter lets it through.
func (e *Engine) ReportLinkFailure(dst core.Addr) {
	if e.failure.ShouldNotify(dst, e.now()) {
		e.notifier.Notify(core.Notification{Kind: core.RouteError, Addr: dst})
	}
}

// HasRoute reports whether dst has a verified route.
func (e *Engine) HasRoute(dst core.Addr) bool {
	return e.routes.HasRoute(dst)
}

// Routes yields the live route table entries.
func (e *Engine) Routes() iter.Seq[core.AddressMask] {
	return e.routes.Dump()
}

// Queues yields one Stat per pending queue.
func (e *Engine) Queues() iter.Seq[queue.Stat] {
	return e.queue.Dump()
}

// Close discards every queued packet without re-injecting it.
func (e *Engine) Close() {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()

	if n := e.queue.DestroyAll(); n > 0 {
		log.GetLogger().Infof("discarded %d pending packets", n)
	}
}
