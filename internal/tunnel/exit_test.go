package tunnel

import (
	mrand "math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hopveil/hopveil/internal/frame"
	"github.com/hopveil/hopveil/internal/logging"
	"github.com/hopveil/hopveil/internal/protofam"
	"github.com/hopveil/hopveil/internal/reassembly"
	"github.com/hopveil/hopveil/internal/scheduler"
	"github.com/hopveil/hopveil/internal/shaping"
)

func newTestExit(t *testing.T, numPaths int) *Exit {
	t.Helper()
	registry := protofam.NewRegistry()
	cfg := testRuntimeConfig(numPaths)
	logger := logging.New(logging.LevelDebug, "test")
	sched := scheduler.New(numPaths, 4, time.Second, mrand.New(mrand.NewSource(1)))
	engine := shaping.NewEngine(numPaths, defaultBehaviorParams(cfg))
	controller := newTestController(registry)
	x := &Exit{
		cfg:           cfg,
		registry:      registry,
		logger:        logger,
		recorder:      newTestRecorder(t),
		pathWriters:   make(map[uint8]net.Conn),
		boundPathConn: make(map[uint8]net.Conn),
		writeMus:      make(map[uint8]*sync.Mutex),
		reassembler:   reassembly.New(reassembly.NewDuplicateGuard()),
		sched:         sched,
		shaping:       engine,
		controller:    controller,
		rng:           mrand.New(mrand.NewSource(1)),
	}
	x.clock = NewWindowClock(numPaths, time.Hour, 1, sched, engine, controller, registry, x.recorder, logger)
	return x
}

func TestBindPathRejectsDifferentConnection(t *testing.T) {
	x := newTestExit(t, 1)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if !x.bindPath(0, a) {
		t.Fatal("first bind should succeed")
	}
	if x.bindPath(0, b) {
		t.Fatal("second connection claiming the same path_id should be rejected")
	}
	if !x.bindPath(0, a) {
		t.Fatal("re-binding from the owning connection should succeed")
	}
}

func TestSendAckCarriesSeq(t *testing.T) {
	x := newTestExit(t, 1)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	x.bindPath(3, a)

	fr := &frame.Frame{SessionID: 1, Seq: 99, PathID: 3, WindowID: 1}
	go x.sendAck(fr)

	b.SetReadDeadline(time.Now().Add(time.Second))
	got, err := frame.ReadFrame(b)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !got.HasFlag(frame.FlagAck) {
		t.Fatal("expected FlagAck set")
	}
	seq, err := frame.DecodeAck(got.Payload)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if seq != 99 {
		t.Fatalf("ack seq = %d, want 99", seq)
	}
}

func TestSendDownlinkReturnsNilWithNoLivePaths(t *testing.T) {
	x := newTestExit(t, 1)
	fr := &frame.Frame{SessionID: 1, Seq: 1, WindowID: 1}
	if err := x.sendDownlink(fr, []byte("hello")); err != nil {
		t.Fatalf("expected nil (silent drop) with no live paths, got %v", err)
	}
}

func TestForwardToServerRoundTrips(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := readFull(conn, buf); err != nil {
			return
		}
		conn.Write(buf) // echo
	}()

	x := newTestExit(t, 1)
	addr := ln.Addr().(*net.TCPAddr)
	x.cfg.ServerHost = "127.0.0.1"
	x.cfg.ServerPort = addr.Port

	resp, err := x.forwardToServer([]byte("hello"))
	if err != nil {
		t.Fatalf("forwardToServer: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("response = %q, want hello", resp)
	}
}
