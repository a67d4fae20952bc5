package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"net"
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

const (
	clientReadBufSize        = 2048
	maxPaddingFramesPerBurst = 4
)

// Entry is the client-facing endpoint (spec.md §4.7, "Entry"): it accepts
// one TCP client per connection, opens one connection to each configured
// middle, and runs the upstream fragment/disperse loop plus one downstream
// reassemble/reorder loop per path.
type Entry struct {
	cfg      *config.RuntimeConfig
	registry *protofam.Registry
	logger   *logging.Logger
	recorder *observer.Recorder
	rc       *runctx.Context

	mu       sync.Mutex
	sessions int
}

// NewEntry wires the process-wide collaborators an Entry needs per client
// session (spec.md §5: every other piece of state is session-owned).
func NewEntry(cfg *config.RuntimeConfig, registry *protofam.Registry, logger *logging.Logger, recorder *observer.Recorder, rc *runctx.Context) *Entry {
	return &Entry{cfg: cfg, registry: registry, logger: logger, recorder: recorder, rc: rc}
}

// ActiveSessions reports the number of clients currently being served, for
// the /healthz endpoint.
func (e *Entry) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// ListenAndServe accepts client connections until ctx is cancelled.
func (e *Entry) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return fmt.Errorf("entry listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	e.logger.Infof("entry listening on %s, %d middle path(s)", e.cfg.Listen, len(e.cfg.MiddlePorts))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("entry accept: %w", err)
			}
		}
		go e.handleClient(ctx, conn)
	}
}

// entrySession owns every per-client piece of mutable state (spec.md §5,
// "Shared state policy" — a session exclusively owns its scheduler, shaping
// engine, and path state; nothing here is shared across sessions).
type entrySession struct {
	sessionID uint32
	cfg       *config.RuntimeConfig
	registry  *protofam.Registry
	logger    *logging.Logger

	clientConn net.Conn
	pathConns  []net.Conn

	seqCounter uint64
	seqMu      sync.Mutex

	sched   *scheduler.Scheduler
	shaping *shaping.Engine
	clock   *WindowClock

	reassembler  *reassembly.Reassembler
	reassembleMu sync.Mutex

	downMu      sync.Mutex
	pendingDown map[uint64][]byte
	nextDownSeq uint64

	rng *mrand.Rand
}

func (e *Entry) handleClient(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()

	sessionID, err := newSessionID()
	if err != nil {
		e.logger.Errorf("session id generation failed: %v", err)
		return
	}

	numPaths := len(e.cfg.MiddlePorts)
	if numPaths == 0 {
		e.logger.Errorf("no middle ports configured")
		return
	}
	pathConns := make([]net.Conn, numPaths)
	for p, port := range e.cfg.MiddlePorts {
		addr := fmt.Sprintf("%s:%d", e.cfg.MiddleHost, port)
		conn, err := dialPathConn(ctx, e.cfg, addr)
		if err != nil {
			e.logger.Errorf("session=%d dial path %d (%s) failed: %v", sessionID, p, addr, err)
			for _, c := range pathConns[:p] {
				c.Close()
			}
			return
		}
		pathConns[p] = conn
	}
	defer func() {
		for _, c := range pathConns {
			c.Close()
		}
	}()

	e.mu.Lock()
	e.sessions++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sessions--
		e.mu.Unlock()
	}()

	sessionSeed := e.cfg.Seed ^ int64(sessionID)
	sess := &entrySession{
		sessionID:   sessionID,
		cfg:         e.cfg,
		registry:    e.registry,
		logger:      e.logger,
		clientConn:  clientConn,
		pathConns:   pathConns,
		sched:       scheduler.New(numPaths, e.cfg.BatchSize, durationSeconds(e.cfg.AckTimeoutSec), mrand.New(mrand.NewSource(sessionSeed))),
		reassembler: reassembly.New(reassembly.NewDuplicateGuard()),
		pendingDown: make(map[uint64][]byte),
		rng:         mrand.New(mrand.NewSource(sessionSeed ^ 0x5a5a5a5a)),
	}
	sess.shaping = shaping.NewEngine(numPaths, defaultBehaviorParams(e.cfg))
	controller := strategy.New(strategyConfig(e.cfg, e.registry), mrand.New(mrand.NewSource(sessionSeed^0x3c3c3c3c)))
	sess.clock = NewWindowClock(numPaths, durationSeconds(float64(e.cfg.WindowSizeSec)), sessionSeed, sess.sched, sess.shaping, controller, e.registry, e.recorder, e.logger)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sess.sendHandshakes(); err != nil {
		e.logger.Errorf("session=%d handshake failed: %v", sessionID, err)
		return
	}

	go sess.clock.Run(sessCtx)
	for p := 0; p < numPaths; p++ {
		go sess.readPath(sessCtx, uint8(p))
	}

	e.logger.Infof("session=%d client connected, %d path(s)", sessionID, numPaths)
	buf := make([]byte, clientReadBufSize)
	for {
		n, err := clientConn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := sess.sendChunk(sessCtx, chunk); err != nil {
				e.logger.Warnf("session=%d send_chunk: %v", sessionID, err)
			}
		}
		if err != nil {
			e.logger.Infof("session=%d client disconnected: %v", sessionID, err)
			return
		}
	}
}

func (s *entrySession) sendHandshakes() error {
	for p := 0; p < len(s.pathConns); p++ {
		fam, variant := s.clock.FamilyVariant(uint8(p))
		frames, err := protofam.HandshakeFrames(s.sessionID, 0, fam, uint8(p), variant, s.rng)
		if err != nil {
			return fmt.Errorf("path %d: %w", p, err)
		}
		for _, hf := range frames {
			if err := frame.WriteFrame(s.pathConns[p], hf.Frame); err != nil {
				return fmt.Errorf("path %d: %w", p, err)
			}
			if hf.DelayMs > 0 {
				time.Sleep(time.Duration(hf.DelayMs) * time.Millisecond)
			}
		}
	}
	return nil
}

// sendChunk fragments and disperses one read from the client across paths
// (spec.md §4.1/§4.7, entry upstream loop; grounded on nodes/entry.py's
// send_chunk).
func (s *entrySession) sendChunk(ctx context.Context, data []byte) error {
	s.seqMu.Lock()
	seq := s.seqCounter
	s.seqCounter++
	s.seqMu.Unlock()

	type piece struct {
		pathID  uint8
		payload []byte
	}
	var pieces []piece
	remaining := data
	for len(remaining) > 0 {
		pathID := s.sched.ChoosePath()
		target := s.shaping.SampleTargetLen(pathID, s.rng)
		if target <= 0 || target > len(remaining) {
			target = len(remaining)
		}
		pieces = append(pieces, piece{pathID, remaining[:target]})
		s.shaping.NoteRealBytes(pathID, target)
		remaining = remaining[target:]
	}

	total := uint16(len(pieces))
	windowID := s.clock.WindowID()
	for fragID, pc := range pieces {
		fam, variant := s.clock.FamilyVariant(pc.pathID)
		fr := &frame.Frame{
			SessionID: s.sessionID,
			Seq:       seq,
			Direction: frame.Up,
			PathID:    pc.pathID,
			WindowID:  windowID,
			Flags:     frame.FlagFragment,
			FragID:    uint16(fragID),
			FragTotal: total,
			Payload:   pc.payload,
		}
		if err := protofam.Apply(fr, fam, variant); err != nil {
			return err
		}
		encoded, err := protofam.EncodePayload(fr.Payload, variant)
		if err != nil {
			return err
		}
		fr.Payload = encoded

		s.sched.MarkSent(pc.pathID, seq)
		if err := s.shaping.Pace(ctx, pc.pathID, len(pc.payload)); err != nil {
			return err
		}
		params := s.shaping.Params(pc.pathID)
		if params.EnableJitter && params.JitterMs > 0 {
			time.Sleep(time.Duration(s.rng.Intn(params.JitterMs+1)) * time.Millisecond)
		}
		if err := frame.WriteFrame(s.pathConns[pc.pathID], fr); err != nil {
			return fmt.Errorf("%w: path %d: %v", ErrPathUnavailable, pc.pathID, err)
		}
		if s.shaping.UpdateBurst(pc.pathID) {
			for _, pf := range s.shaping.MakePaddingFrames(pc.pathID, fr, maxPaddingFramesPerBurst, s.rng) {
				frame.WriteFrame(s.pathConns[pc.pathID], pf)
			}
		}
	}
	return nil
}

// readPath runs one path's downstream reader: it decodes ACK, padding, and
// handshake frames specially, reassembles FRAGMENT frames, and delivers
// completed payloads to enqueueDownlink for in-order release to the client.
func (s *entrySession) readPath(ctx context.Context, pathID uint8) {
	conn := s.pathConns[pathID]
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fr, err := frame.ReadFrame(conn)
		if err != nil {
			s.logger.Infof("session=%d path=%d downstream closed: %v", s.sessionID, pathID, err)
			return
		}

		switch {
		case fr.HasFlag(frame.FlagAck):
			seq, err := frame.DecodeAck(fr.Payload)
			if err != nil {
				s.logger.Warnf("session=%d path=%d malformed ack: %v", s.sessionID, pathID, err)
				continue
			}
			s.sched.MarkAck(pathID, seq)
			continue
		case fr.HasFlag(frame.FlagPadding), fr.HasFlag(frame.FlagHandshake):
			continue
		}

		if err := decodePayload(s.registry, fr); err != nil {
			s.logger.Warnf("session=%d path=%d payload decode: %v", s.sessionID, pathID, err)
			continue
		}

		var payload []byte
		if fr.HasFlag(frame.FlagFragment) {
			s.reassembleMu.Lock()
			p, complete, err := s.reassembler.Add(fr.WindowID, fr.Seq, fr.FragID, fr.FragTotal, fr.Payload)
			s.reassembleMu.Unlock()
			if err != nil {
				s.logger.Warnf("session=%d path=%d malformed frame: %v", s.sessionID, pathID, err)
				continue
			}
			if !complete {
				continue
			}
			payload = p
		} else {
			payload = fr.Payload
		}

		s.enqueueDownlink(fr.Seq, payload)
	}
}

// enqueueDownlink buffers a reassembled downstream payload by seq and
// flushes every contiguous run starting at nextDownSeq to the client, in
// order, regardless of which path each seq arrived on (spec.md §4.7,
// entry's reorder buffer).
func (s *entrySession) enqueueDownlink(seq uint64, payload []byte) {
	s.downMu.Lock()
	defer s.downMu.Unlock()

	s.pendingDown[seq] = payload
	for {
		p, ok := s.pendingDown[s.nextDownSeq]
		if !ok {
			break
		}
		delete(s.pendingDown, s.nextDownSeq)
		if _, err := s.clientConn.Write(p); err != nil {
			s.logger.Warnf("session=%d client write failed: %v", s.sessionID, err)
			return
		}
		s.nextDownSeq++
	}
}

func newSessionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func durationSeconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// dialPathConn opens one path leg using whichever physical transport
// cfg.PathTransport selects: a plain TCP socket, a WebSocket connection
// (CDN-friendly), or a uTLS client hello (browser-fingerprinted) wrapping a
// TCP socket. The cover-protocol family/variant rotation in internal/protofam
// obfuscates payload bytes regardless of which of these carries them.
func dialPathConn(ctx context.Context, cfg *config.RuntimeConfig, addr string) (net.Conn, error) {
	switch cfg.PathTransport {
	case "ws":
		return transport.DialWS(ctx, addr, cfg.WSPath)
	case "tls":
		client := transport.NewUTLSClient(transport.DefaultUTLSConfig())
		if cfg.PathTLSHost != "" {
			client.SetServerName(cfg.PathTLSHost)
		}
		return client.Dial(ctx, "tcp", addr)
	default:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// defaultBehaviorParams seeds every path's shaping.Engine before the first
// window tick overwrites it with the controller's output.
func defaultBehaviorParams(cfg *config.RuntimeConfig) shaping.BehaviorParams {
	return shaping.BehaviorParams{
		SizeBins:         cfg.SizeBins,
		PaddingAlpha:     cfg.AlphaPadding,
		JitterMs:         int(cfg.BaseJitterMs),
		RateBytesPerSec:  cfg.BaseRate,
		BurstSize:        6,
		ObfuscationLevel: cfg.ObfuscationLevel,
		EnableShaping:    true,
		EnablePadding:    true,
		EnablePacing:     true,
		EnableJitter:     true,
	}
}

// strategyConfig maps the resolved RuntimeConfig onto strategy.Config.
func strategyConfig(cfg *config.RuntimeConfig, registry *protofam.Registry) strategy.Config {
	return strategy.Config{
		BasePadding:       cfg.AlphaPadding,
		BaseJitter:        cfg.BaseJitterMs,
		BaseRate:          cfg.BaseRate,
		SizeBins:          cfg.SizeBins,
		FamilyIDs:         registry.FamilyIDs(),
		ObfuscationLevel:  cfg.ObfuscationLevel,
		Mode:              strategy.Mode(cfg.Mode),
		ProtoSwitchPeriod: uint32(cfg.ProtoSwitchPeriod),
		AdaptivePaths:     cfg.AdaptivePaths,
		AdaptiveBehavior:  cfg.AdaptiveBehavior,
		AdaptiveProto:     cfg.AdaptiveProto,
	}
}
