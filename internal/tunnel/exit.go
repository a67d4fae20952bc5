package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	mrand "math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hopveil/hopveil/internal/config"
	"github.com/hopveil/hopveil/internal/frame"
	"github.com/hopveil/hopveil/internal/logging"
	"github.com/hopveil/hopveil/internal/observer"
	"github.com/hopveil/hopveil/internal/protofam"
	"github.com/hopveil/hopveil/internal/reassembly"
	"github.com/hopveil/hopveil/internal/runctx"
	"github.com/hopveil/hopveil/internal/scheduler"
	"github.com/hopveil/hopveil/internal/shaping"
	"github.com/hopveil/hopveil/internal/strategy"
	"github.com/hopveil/hopveil/internal/transport"
)

// Exit is the server-facing endpoint (spec.md §4.7, "Exit"): it accepts
// connections from the middles, learns which path_id each connection
// carries from the frames it sees, forwards reassembled upstream payloads
// to one lazily-dialed target server, and disperses the response back down
// across whichever paths are currently live.
//
// Unlike Entry, Exit does not multiplex per-client sessions: one Exit
// instance is the whole process's single tunnel identity, the same way
// nodes/exit.py's ExitNode is a single long-lived object serving every
// middle connection it accepts — matching the original implementation
// rather than inventing per-session demultiplexing the spec never asks
// for.
type Exit struct {
	cfg      *config.RuntimeConfig
	registry *protofam.Registry
	logger   *logging.Logger
	recorder *observer.Recorder
	rc       *runctx.Context

	mu            sync.Mutex
	pathWriters   map[uint8]net.Conn
	boundPathConn map[uint8]net.Conn
	writeMus      map[uint8]*sync.Mutex

	reassembler  *reassembly.Reassembler
	reassembleMu sync.Mutex

	sched      *scheduler.Scheduler
	shaping    *shaping.Engine
	controller *strategy.Controller
	clock      *WindowClock
	clockOnce  sync.Once

	upstreamMu   sync.Mutex
	upstreamConn net.Conn

	rng *mrand.Rand
}

// NewExit wires an Exit's process-wide collaborators together. numPaths
// sizes the scheduler/shaping engine up front, per spec.md §9's flat,
// path_id-indexed state arrays.
func NewExit(cfg *config.RuntimeConfig, registry *protofam.Registry, logger *logging.Logger, recorder *observer.Recorder, rc *runctx.Context) *Exit {
	numPaths := cfg.PathCount
	if numPaths <= 0 {
		numPaths = len(cfg.MiddlePorts)
	}
	rng := mrand.New(mrand.NewSource(cfg.Seed ^ 0x6b6b6b6b))
	x := &Exit{
		cfg:           cfg,
		registry:      registry,
		logger:        logger,
		recorder:      recorder,
		rc:            rc,
		pathWriters:   make(map[uint8]net.Conn),
		boundPathConn: make(map[uint8]net.Conn),
		writeMus:      make(map[uint8]*sync.Mutex),
		reassembler:   reassembly.New(reassembly.NewDuplicateGuard()),
		sched:         scheduler.New(numPaths, cfg.BatchSize, durationSeconds(cfg.AckTimeoutSec), mrand.New(mrand.NewSource(cfg.Seed))),
		rng:           rng,
	}
	x.shaping = shaping.NewEngine(numPaths, defaultBehaviorParams(cfg))
	x.controller = strategy.New(strategyConfig(cfg, registry), mrand.New(mrand.NewSource(cfg.Seed^0x1c1c1c1c)))
	x.clock = NewWindowClock(numPaths, durationSeconds(float64(cfg.WindowSizeSec)), cfg.Seed, x.sched, x.shaping, x.controller, registry, recorder, logger)
	return x
}

// ActiveSessions reports 1 once at least one path has bound, for /healthz —
// Exit has no per-client session count of its own.
func (x *Exit) ActiveSessions() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.pathWriters) == 0 {
		return 0
	}
	return 1
}

// ActivePaths reports how many path_ids currently have a bound writer.
func (x *Exit) ActivePaths() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pathWriters)
}

// ListenAndServe accepts middle connections until ctx is cancelled. The
// physical transport for this leg follows cfg.PathTransport, the same knob
// Entry uses to dial a middle — with the middle itself out of scope (spec.md
// §1's non-goal), operators pointing Entry straight at Exit for testing or a
// degenerate single-hop deployment expect both ends to agree on one
// transport kind.
func (x *Exit) ListenAndServe(ctx context.Context) error {
	defer func() {
		x.upstreamMu.Lock()
		if x.upstreamConn != nil {
			x.upstreamConn.Close()
		}
		x.upstreamMu.Unlock()
	}()

	if x.cfg.PathTransport == "ws" {
		return x.listenAndServeWS(ctx)
	}

	ln, err := net.Listen("tcp", x.cfg.Listen)
	if err != nil {
		return fmt.Errorf("exit listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	x.logger.Infof("exit listening on %s, upstream target %s:%d", x.cfg.Listen, x.cfg.ServerHost, x.cfg.ServerPort)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("exit accept: %w", err)
			}
		}
		go x.handleMiddle(ctx, conn)
	}
}

// listenAndServeWS runs an HTTP server that upgrades every request on
// cfg.WSPath to a WebSocket and hands the resulting net.Conn to handleMiddle,
// the same loop the plain-TCP listener feeds.
func (x *Exit) listenAndServeWS(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(x.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.UpgradeWS(w, r)
		if err != nil {
			x.logger.Warnf("websocket upgrade failed: %v", err)
			return
		}
		x.handleMiddle(ctx, conn)
	})
	srv := &http.Server{Addr: x.cfg.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	x.logger.Infof("exit listening on %s (websocket %s), upstream target %s:%d", x.cfg.Listen, x.cfg.WSPath, x.cfg.ServerHost, x.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("exit websocket listen: %w", err)
	}
	return nil
}

func (x *Exit) handleMiddle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	x.clockOnce.Do(func() { go x.clock.Run(ctx) })

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fr, err := frame.ReadFrame(conn)
		if err != nil {
			x.unbindConn(conn)
			x.logger.Infof("exit middle connection closed: %v", err)
			return
		}

		if !x.bindPath(fr.PathID, conn) {
			x.logger.Warnf("malformed frame: path %d already bound to a different connection", fr.PathID)
			continue
		}

		switch {
		case fr.HasFlag(frame.FlagPadding), fr.HasFlag(frame.FlagHandshake), fr.HasFlag(frame.FlagAck):
			continue
		}

		if err := decodePayload(x.registry, fr); err != nil {
			x.logger.Warnf("path=%d payload decode: %v", fr.PathID, err)
			continue
		}

		var payload []byte
		if fr.HasFlag(frame.FlagFragment) {
			x.reassembleMu.Lock()
			p, complete, err := x.reassembler.Add(fr.WindowID, fr.Seq, fr.FragID, fr.FragTotal, fr.Payload)
			x.reassembleMu.Unlock()
			if err != nil {
				x.logger.Warnf("path=%d malformed frame: %v", fr.PathID, err)
				continue
			}
			if !complete {
				continue
			}
			payload = p
		} else {
			payload = fr.Payload
		}

		response, err := x.forwardToServer(payload)
		if err != nil {
			x.logger.Errorf("upstream failure: %v", err)
			return
		}
		if err := x.sendDownlink(fr, response); err != nil {
			x.logger.Warnf("session downlink failed: %v", err)
			continue
		}
		x.sendAck(fr)
	}
}

// bindPath binds path_id to conn for the lifetime of conn, rejecting a
// later frame that claims an already-bound path_id from a different
// connection as malformed for that connection (a deliberate tightening of
// nodes/exit.py's handle_middle, which overwrites path_writers on every
// frame regardless of origin).
func (x *Exit) bindPath(pathID uint8, conn net.Conn) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.boundPathConn[pathID]; ok && existing != conn {
		return false
	}
	x.boundPathConn[pathID] = conn
	x.pathWriters[pathID] = conn
	if _, ok := x.writeMus[pathID]; !ok {
		x.writeMus[pathID] = &sync.Mutex{}
	}
	return true
}

func (x *Exit) unbindConn(conn net.Conn) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for pathID, c := range x.boundPathConn {
		if c == conn {
			delete(x.boundPathConn, pathID)
			delete(x.pathWriters, pathID)
		}
	}
}

func (x *Exit) writeFrame(pathID uint8, fr *frame.Frame) error {
	x.mu.Lock()
	w, ok := x.pathWriters[pathID]
	wmu := x.writeMus[pathID]
	x.mu.Unlock()
	if !ok {
		return ErrPathUnavailable
	}
	wmu.Lock()
	defer wmu.Unlock()
	return frame.WriteFrame(w, fr)
}

// forwardToServer serialises the write->readexactly(len) pair against the
// upstream target under upstreamMu, per spec.md §4.7's "Exit" atomicity
// requirement, lazily dialing on first use.
func (x *Exit) forwardToServer(payload []byte) ([]byte, error) {
	x.upstreamMu.Lock()
	defer x.upstreamMu.Unlock()

	if x.upstreamConn == nil {
		addr := fmt.Sprintf("%s:%d", x.cfg.ServerHost, x.cfg.ServerPort)
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamFailure, addr, err)
		}
		x.upstreamConn = conn
	}

	if _, err := x.upstreamConn.Write(payload); err != nil {
		x.upstreamConn.Close()
		x.upstreamConn = nil
		return nil, fmt.Errorf("%w: write: %v", ErrUpstreamFailure, err)
	}

	response := make([]byte, len(payload))
	if _, err := io.ReadFull(x.upstreamConn, response); err != nil {
		x.upstreamConn.Close()
		x.upstreamConn = nil
		return nil, fmt.Errorf("%w: read: %v", ErrUpstreamFailure, err)
	}
	return response, nil
}

// sendDownlink fragments and disperses an upstream response across
// whichever paths currently have a live writer (nodes/exit.py's
// send_downlink: scheduler.choose_path_from(available_paths)). When shaping
// is disabled for the chosen path the response is sent as a single
// fragment rather than chopped into size_bins.
func (x *Exit) sendDownlink(fr *frame.Frame, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	type piece struct {
		pathID  uint8
		payload []byte
	}
	var pieces []piece
	remaining := data
	for len(remaining) > 0 {
		x.mu.Lock()
		available := make([]uint8, 0, len(x.pathWriters))
		for p := range x.pathWriters {
			available = append(available, p)
		}
		x.mu.Unlock()
		if len(available) == 0 {
			return nil // no live path; the response is silently dropped (spec.md §7, PathUnavailable).
		}

		pathID := x.sched.ChoosePathFrom(available)
		params := x.shaping.Params(pathID)
		target := len(remaining)
		if params.EnableShaping {
			target = x.shaping.SampleTargetLen(pathID, x.rng)
			if target <= 0 || target > len(remaining) {
				target = len(remaining)
			}
		}
		pieces = append(pieces, piece{pathID, remaining[:target]})
		x.shaping.NoteRealBytes(pathID, target)
		remaining = remaining[target:]
	}

	total := uint16(len(pieces))
	for fragID, pc := range pieces {
		fam, variant := x.clock.FamilyVariant(pc.pathID)
		outFrame := &frame.Frame{
			SessionID: fr.SessionID,
			Seq:       fr.Seq,
			Direction: frame.Down,
			PathID:    pc.pathID,
			WindowID:  fr.WindowID,
			Flags:     frame.FlagFragment,
			FragID:    uint16(fragID),
			FragTotal: total,
			Payload:   pc.payload,
		}
		if err := protofam.Apply(outFrame, fam, variant); err != nil {
			return err
		}
		encoded, err := protofam.EncodePayload(outFrame.Payload, variant)
		if err != nil {
			return err
		}
		outFrame.Payload = encoded

		params := x.shaping.Params(pc.pathID)
		if err := x.shaping.Pace(context.Background(), pc.pathID, len(pc.payload)); err != nil {
			return err
		}
		if params.EnableJitter && params.JitterMs > 0 {
			time.Sleep(time.Duration(x.rng.Intn(params.JitterMs+1)) * time.Millisecond)
		}

		if err := x.writeFrame(pc.pathID, outFrame); err != nil {
			if errors.Is(err, ErrPathUnavailable) {
				continue
			}
			return err
		}
		if x.shaping.UpdateBurst(pc.pathID) {
			for _, pf := range x.shaping.MakePaddingFrames(pc.pathID, outFrame, maxPaddingFramesPerBurst, x.rng) {
				x.writeFrame(pc.pathID, pf)
			}
		}
	}
	return nil
}

// sendAck emits one ACK frame on fr's own path carrying fr.Seq, per
// nodes/exit.py's send_ack.
func (x *Exit) sendAck(fr *frame.Frame) {
	ack := &frame.Frame{
		SessionID: fr.SessionID,
		Seq:       fr.Seq,
		Direction: frame.Down,
		PathID:    fr.PathID,
		WindowID:  fr.WindowID,
		Flags:     frame.FlagAck,
		FragID:    0,
		FragTotal: 1,
		Payload:   frame.EncodeAck(fr.Seq),
	}
	if err := x.writeFrame(fr.PathID, ack); err != nil && !errors.Is(err, ErrPathUnavailable) {
		x.logger.Warnf("path=%d ack write failed: %v", fr.PathID, err)
	}
}
