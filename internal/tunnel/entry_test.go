package tunnel

import (
	"bytes"
	"context"
	mrand "math/rand"
	"net"
	"testing"
	"time"

	"github.com/hopveil/hopveil/internal/frame"
	"github.com/hopveil/hopveil/internal/logging"
	"github.com/hopveil/hopveil/internal/protofam"
	"github.com/hopveil/hopveil/internal/reassembly"
	"github.com/hopveil/hopveil/internal/scheduler"
	"github.com/hopveil/hopveil/internal/shaping"
)

func newTestEntrySession(t *testing.T, numPaths int) (*entrySession, []net.Conn) {
	t.Helper()
	registry := protofam.NewRegistry()
	pathConns := make([]net.Conn, numPaths)
	farEnds := make([]net.Conn, numPaths)
	for i := 0; i < numPaths; i++ {
		a, b := net.Pipe()
		pathConns[i] = a
		farEnds[i] = b
	}
	t.Cleanup(func() {
		for _, c := range pathConns {
			c.Close()
		}
		for _, c := range farEnds {
			c.Close()
		}
	})

	cfg := defaultBehaviorParams(testRuntimeConfig(numPaths))
	sess := &entrySession{
		sessionID:   42,
		registry:    registry,
		logger:      logging.New(logging.LevelDebug, "test"),
		pathConns:   pathConns,
		sched:       scheduler.New(numPaths, 4, time.Second, mrand.New(mrand.NewSource(1))),
		shaping:     shaping.NewEngine(numPaths, cfg),
		reassembler: reassembly.New(reassembly.NewDuplicateGuard()),
		pendingDown: make(map[uint64][]byte),
		rng:         mrand.New(mrand.NewSource(1)),
	}
	controller := newTestController(registry)
	sess.clock = NewWindowClock(numPaths, time.Hour, 1, sess.sched, sess.shaping, controller, registry, newTestRecorder(t), sess.logger)
	return sess, farEnds
}

func TestSendChunkFragmentsAndReassembles(t *testing.T) {
	numPaths := 2
	sess, farEnds := newTestEntrySession(t, numPaths)

	data := bytes.Repeat([]byte("hopveil-payload-"), 20) // 320 bytes, larger than any size bin
	done := make(chan error, 1)
	go func() { done <- sess.sendChunk(context.Background(), data) }()

	registry := sess.registry
	reassembler := reassembly.New(nil)
	var got []byte
	deadline := time.After(2 * time.Second)
	for got == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reassembled payload")
		default:
		}
		for _, conn := range farEnds {
			conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			fr, err := frame.ReadFrame(conn)
			if err != nil {
				continue
			}
			if fr.HasFlag(frame.FlagPadding) || fr.HasFlag(frame.FlagHandshake) || fr.HasFlag(frame.FlagAck) {
				continue
			}
			if err := decodePayload(registry, fr); err != nil {
				t.Fatalf("decode: %v", err)
			}
			payload, complete, err := reassembler.Add(fr.WindowID, fr.Seq, fr.FragID, fr.FragTotal, fr.Payload)
			if err != nil {
				t.Fatalf("reassemble: %v", err)
			}
			if complete {
				got = payload
			}
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("sendChunk: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestEnqueueDownlinkDeliversInOrderDespiteArrival(t *testing.T) {
	sess, _ := newTestEntrySession(t, 1)
	clientSide, testSide := net.Pipe()
	sess.clientConn = clientSide
	defer clientSide.Close()
	defer testSide.Close()

	go func() {
		sess.enqueueDownlink(2, []byte("C"))
		sess.enqueueDownlink(0, []byte("A"))
		sess.enqueueDownlink(1, []byte("B"))
	}()

	buf := make([]byte, 3)
	testSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(testSide, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ABC" {
		t.Fatalf("delivery order = %q, want ABC", buf)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
