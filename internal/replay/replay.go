// Package replay drives the engine from a pcap file. Packets the engine
// lets through, immediately or on release, are written to an output pcap.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/rom/internal/classifier"
	"firestige.xyz/rom/internal/core"
	"firestige.xyz/rom/internal/engine"
	"firestige.xyz/rom/internal/log"
)

// Config controls one replay run.
type Config struct {
	Engine    engine.Config
	Whitelist classifier.Whitelist
	Hook      core.HookPoint
	// Routes are installed, in order, after the last packet has been read.
	Routes []core.AddressMask
}

// Summary counts what happened to the replayed packets.
type Summary struct {
	Read          int
	Skipped       int // unsupported link type or undecodable frame
	Accepted      int
	Stolen        int
	Released      int
	Written       int
	Discarded     int // still queued at the end
	Reasons       map[string]int
	Notifications map[string]int
}

type replayer struct {
	dec    *frameDecoder
	w      *pcapgo.Writer
	wmu    sync.Mutex
	sum    Summary
	smu    sync.Mutex
	engine *engine.Engine
}

// Run reads every packet from in, classifies it and writes forwarded frames
// to out with the input's link type. out may be nil.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) (*Summary, error) {
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	lt := r.LinkType()
	if lt != layers.LinkTypeEthernet && lt != layers.LinkTypeRaw {
		return nil, fmt.Errorf("unsupported link type %s", lt)
	}

	rp := &replayer{
		dec: newFrameDecoder(lt),
		sum: Summary{
			Reasons:       make(map[string]int),
			Notifications: make(map[string]int),
		},
	}
	if out != nil {
		rp.w = pcapgo.NewWriter(out)
		if err := rp.w.WriteFileHeader(r.Snaplen(), lt); err != nil {
			return nil, fmt.Errorf("write pcap header: %w", err)
		}
	}
	wl := cfg.Whitelist
	if wl == nil {
		wl = noWhitelist{}
	}
	rp.engine = engine.New(cfg.Engine, wl, core.NotifierFunc(rp.notify))

	for {
		if err := ctx.Err(); err != nil {
			rp.engine.Close()
			return nil, err
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rp.engine.Close()
			return nil, fmt.Errorf("read packet %d: %w", rp.sum.Read+1, err)
		}
		rp.sum.Read++
		if err := rp.classify(cfg.Hook, data, ci); err != nil {
			log.GetLogger().Debugf("packet %d skipped: %v", rp.sum.Read, err)
			rp.sum.Skipped++
		}
	}

	for _, am := range cfg.Routes {
		res, err := rp.engine.AddRoute(am)
		if err != nil {
			log.GetLogger().WithField("dst", am.String()).Warnf("route not applied: %v", err)
			continue
		}
		rp.smu.Lock()
		rp.sum.Released += res.Released
		rp.smu.Unlock()
	}

	for s := range rp.engine.Queues() {
		rp.sum.Discarded += s.Len
	}
	rp.engine.Close()
	return &rp.sum, nil
}

// classify hands one frame to the engine. The network part is classified;
// the link header is kept so the frame can be written back unchanged.
func (rp *replayer) classify(hook core.HookPoint, data []byte, ci gopacket.CaptureInfo) error {
	frame := make([]byte, len(data))
	copy(frame, data)

	header, network, err := rp.dec.split(frame)
	if err != nil {
		return err
	}

	sink := func(ip []byte) error {
		return rp.write(ci, append(append([]byte{}, header...), ip...))
	}
	pkt := core.NewBufferPacket(network, sink)
	res := rp.engine.Classify(hook, pkt, nil)

	rp.smu.Lock()
	rp.sum.Reasons[string(res.Reason)]++
	rp.smu.Unlock()

	if res.Verdict == core.VerdictAccept {
		rp.sum.Accepted++
		return pkt.Forward()
	}
	rp.sum.Stolen++
	return nil
}

func (rp *replayer) write(ci gopacket.CaptureInfo, frame []byte) error {
	rp.smu.Lock()
	rp.sum.Written++
	rp.smu.Unlock()
	if rp.w == nil {
		return nil
	}
	ci.CaptureLength = len(frame)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	rp.wmu.Lock()
	defer rp.wmu.Unlock()
	return rp.w.WritePacket(ci, frame)
}

func (rp *replayer) notify(n core.Notification) {
	rp.smu.Lock()
	rp.sum.Notifications[n.Kind.String()]++
	rp.smu.Unlock()
	log.GetLogger().WithField("dst", n.Addr.String()).Debugf("%s", n.Kind)
}

type noWhitelist struct{}

func (noWhitelist) Matches(core.Addr) bool { return false }
