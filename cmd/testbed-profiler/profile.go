package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/testbed/testbed/internal/client"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
	"github.com/testbed/testbed/internal/service"
	"github.com/testbed/testbed/internal/testbed"
	"github.com/testbed/testbed/internal/topology"
)

var (
	errTooManyFailures = errors.New("too many failed overlay links")
	errProfileTimeout  = errors.New("profile timed out")
)

// profile is the state of one profiler run. All methods run on the testbed
// loop.
type profile struct {
	opts     options
	progress *progress

	began       time.Time
	upAt        time.Time
	crossedAt   time.Time
	peersUp     int
	connects    int
	opFailures  int
	links       int
	linkErrors  int
	waitsOK     int
	waitsFailed int
	crossed     bool

	// connected holds peer ID pairs from connect events; overlay is the
	// same set by peer index once the peers are known.
	connected [][2]uint32
	overlay   []topology.Link

	handle  *testbed.RunHandle
	abort   *sched.Task
	barrier *testbed.Barrier
	waits   []*testbed.BarrierWaitHandle
}

func newProfile(opts options, p *progress) *profile {
	return &profile{opts: opts, progress: p, began: time.Now()}
}

func (p *profile) handleEvent(ev testbed.Event) {
	switch e := ev.(type) {
	case testbed.PeerStartEvent:
		p.peersUp++
		p.progress.Printf("peers started: %d/%d", p.peersUp, p.opts.peers)
	case testbed.ConnectEvent:
		p.connects++
		if e.Peer1 != nil && e.Peer2 != nil {
			p.connected = append(p.connected, [2]uint32{e.Peer1.ID(), e.Peer2.ID()})
		}
		p.progress.Printf("overlay links: %d", p.connects)
	case testbed.OperationFinishedEvent:
		if e.Err != nil {
			p.opFailures++
		}
	}
}

func (p *profile) master(h *testbed.RunHandle) {
	p.handle = h
	p.upAt = time.Now()
	p.links = h.LinksSucceeded
	p.linkErrors = h.LinksFailed
	p.overlay = overlayLinks(h.Peers, p.connected)
	if h.LinksFailed > p.opts.tolerate {
		h.Shutdown(fmt.Errorf("%w: %d failed, %d tolerated", errTooManyFailures, h.LinksFailed, p.opts.tolerate))
		return
	}
	if p.opts.barrier == "" {
		h.Shutdown(nil)
		return
	}
	p.abort = h.Loop.AddDelayed(p.opts.timeout, func() {
		p.cancelWaits()
		h.Shutdown(fmt.Errorf("%w after %s", errProfileTimeout, p.opts.timeout))
	})
	b, err := h.Controller.BarrierInit(p.opts.barrier, p.opts.quorum, func(_ *testbed.Barrier, status models.BarrierStatus, err error) {
		switch status {
		case models.BarrierInitialised:
			p.startWaits()
		case models.BarrierCrossed:
			p.crossed = true
			p.crossedAt = time.Now()
			p.finishIfDone()
		default:
			if err == nil {
				err = fmt.Errorf("status %s", status)
			}
			p.abort.Cancel()
			p.cancelWaits()
			h.Shutdown(fmt.Errorf("barrier %s: %w", p.opts.barrier, err))
		}
	})
	if err != nil {
		p.abort.Cancel()
		h.Shutdown(err)
		return
	}
	p.barrier = b
}

// startWaits makes every peer reach the barrier the way a peer process would:
// through the controller address stored in its configuration.
func (p *profile) startWaits() {
	h := p.handle
	for _, peer := range h.Peers {
		id, addr, err := testbed.PeerIdentity(peer.Config())
		if err != nil {
			p.waitsFailed++
			continue
		}
		var svc service.Service = h.Controller.Service()
		if addr != "" {
			svc = client.New(addr)
		}
		p.waits = append(p.waits, testbed.BarrierWait(h.Loop, svc, id, p.opts.barrier, func(_ string, status models.BarrierStatus, err error) {
			if status == models.BarrierCrossed {
				p.waitsOK++
			} else {
				p.waitsFailed++
			}
			p.progress.Printf("barrier %s: %d/%d peers released", p.opts.barrier, p.waitsOK, len(h.Peers))
			p.finishIfDone()
		}))
	}
}

// finishIfDone ends the run once the controller saw the barrier cross and
// every peer wait returned.
func (p *profile) finishIfDone() {
	if !p.crossed || p.waitsOK+p.waitsFailed < len(p.handle.Peers) {
		return
	}
	p.abort.Cancel()
	if p.waitsFailed > 0 {
		p.handle.Shutdown(fmt.Errorf("barrier %s: %d peers failed to cross", p.opts.barrier, p.waitsFailed))
		return
	}
	p.handle.Shutdown(nil)
}

func (p *profile) cancelWaits() {
	for _, w := range p.waits {
		_ = w.Cancel()
	}
	p.waits = nil
	if p.barrier != nil && !p.crossed {
		_ = p.barrier.Cancel()
	}
}

// overlayLinks translates connected peer IDs into indices into peers.
func overlayLinks(peers []*testbed.Peer, connected [][2]uint32) []topology.Link {
	index := make(map[uint32]int, len(peers))
	for i, peer := range peers {
		index[peer.ID()] = i
	}
	links := make([]topology.Link, 0, len(connected))
	for _, pair := range connected {
		a, okA := index[pair[0]]
		b, okB := index[pair[1]]
		if okA && okB {
			links = append(links, topology.Link{A: a, B: b})
		}
	}
	return links
}

// writeOverlay saves the established overlay in the topology file format.
func (p *profile) writeOverlay(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := topology.Write(f, p.overlay); err != nil {
		_ = f.Close()
		return fmt.Errorf("write overlay to %s: %w", path, err)
	}
	return f.Close()
}

func (p *profile) report(w io.Writer) {
	fmt.Fprintf(w, "peers:        %d\n", p.opts.peers)
	fmt.Fprintf(w, "setup:        %s\n", p.upAt.Sub(p.began).Round(time.Millisecond))
	fmt.Fprintf(w, "links:        %d (%d failed)\n", p.links, p.linkErrors)
	if p.handle != nil {
		fmt.Fprintf(w, "components:   %d\n", len(topology.Components(len(p.handle.Peers), p.overlay)))
	}
	if p.opFailures > 0 {
		fmt.Fprintf(w, "failed ops:   %d\n", p.opFailures)
	}
	if p.opts.barrier != "" && p.crossed {
		fmt.Fprintf(w, "barrier:      %s crossed after %s (quorum %d%%)\n",
			p.opts.barrier, p.crossedAt.Sub(p.upAt).Round(time.Millisecond), p.opts.quorum)
	}
}

// progress writes status lines, overwriting the previous one on a terminal.
type progress struct {
	w     io.Writer
	tty   bool
	dirty bool
}

func newProgress(w io.Writer) *progress {
	f, ok := w.(*os.File)
	tty := ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	return &progress{w: w, tty: tty}
}

func (p *progress) Printf(format string, args ...any) {
	if !p.tty {
		fmt.Fprintf(p.w, format+"\n", args...)
		return
	}
	fmt.Fprintf(p.w, "\r\033[K"+format, args...)
	p.dirty = true
}

// Done ends an overwritten line.
func (p *progress) Done() {
	if p.tty && p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
}
