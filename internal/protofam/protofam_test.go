package protofam

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/hopveil/hopveil/internal/frame"
)

func allVariants(t *testing.T, reg *Registry) []Variant {
	t.Helper()
	var out []Variant
	for _, id := range reg.FamilyIDs() {
		fam, _ := reg.Family(id)
		out = append(out, fam.Variants...)
	}
	return out
}

func TestPayloadObfuscationRoundTrip(t *testing.T) {
	reg := NewRegistry()
	payloads := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("the quick brown fox jumps over the lazy dog"),
		bytes.Repeat([]byte{0xAB}, 500),
	}
	for _, v := range allVariants(t, reg) {
		for _, p := range payloads {
			enc, err := EncodePayload(p, v)
			if err != nil {
				t.Fatalf("EncodePayload: %v", err)
			}
			if v.Mode == ModeNone {
				if !bytes.Equal(enc, p) {
					t.Fatalf("NONE mode must pass through unchanged, got %v want %v", enc, p)
				}
				continue
			}
			dec, err := DecodePayload(enc, v)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if len(p) == 0 {
				if len(dec) != 0 {
					t.Fatalf("empty payload round trip produced %v", dec)
				}
				continue
			}
			if !bytes.Equal(dec, p) {
				t.Fatalf("round trip mismatch for variant %+v: got %v want %v", v, dec, p)
			}
		}
	}
}

func TestApplySetsProtoIDAndVariantByte(t *testing.T) {
	reg := NewRegistry()
	fam, ok := reg.Family(2)
	if !ok {
		t.Fatal("family 2 missing")
	}
	v := fam.Variant(1)
	fr := &frame.Frame{}
	if err := Apply(fr, fam, v); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fr.ProtoID != 2 {
		t.Fatalf("ProtoID = %d, want 2", fr.ProtoID)
	}
	if len(fr.ExtraHeader) == 0 || fr.ExtraHeader[0] != v.ID {
		t.Fatalf("extra_header[0] = %v, want variant id %d", fr.ExtraHeader, v.ID)
	}
}

func TestVariantLookupWraps(t *testing.T) {
	reg := NewRegistry()
	fam, _ := reg.Family(1)
	if len(fam.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(fam.Variants))
	}
	if fam.Variant(0).ID != fam.Variant(2).ID {
		t.Fatalf("variant lookup should wrap mod len(variants)")
	}
}

func TestHandshakeFramesDeterministicWithSeed(t *testing.T) {
	reg := NewRegistry()
	fam, _ := reg.Family(3)
	v := fam.Variant(0)
	rng := rand.New(rand.NewSource(42))
	frames, err := HandshakeFrames(1, 0, fam, 0, v, rng)
	if err != nil {
		t.Fatalf("HandshakeFrames: %v", err)
	}
	if len(frames) != len(fam.Handshake) {
		t.Fatalf("got %d handshake frames, want %d", len(frames), len(fam.Handshake))
	}
	for i, hf := range frames {
		if hf.Frame.Direction != fam.Handshake[i].Direction {
			t.Fatalf("frame %d direction mismatch", i)
		}
		if len(hf.Frame.Payload) != fam.Handshake[i].Size {
			t.Fatalf("frame %d payload size = %d, want %d", i, len(hf.Frame.Payload), fam.Handshake[i].Size)
		}
		if !hf.Frame.HasFlag(frame.FlagHandshake) {
			t.Fatalf("frame %d missing HANDSHAKE flag", i)
		}
		if hf.Frame.FragTotal != 1 {
			t.Fatalf("frame %d frag_total = %d, want 1", i, hf.Frame.FragTotal)
		}
		if hf.DelayMs != fam.Handshake[i].DelayMs {
			t.Fatalf("frame %d delay = %d, want %d", i, hf.DelayMs, fam.Handshake[i].DelayMs)
		}
	}

	again, err := HandshakeFrames(1, 0, fam, 0, v, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("HandshakeFrames: %v", err)
	}
	for i := range frames {
		if !bytes.Equal(frames[i].Frame.Payload, again[i].Frame.Payload) {
			t.Fatalf("frame %d payload differs between runs with the same seed", i)
		}
	}
}

func TestRegistryHasThreeFamilies(t *testing.T) {
	reg := NewRegistry()
	ids := reg.FamilyIDs()
	if len(ids) != 3 {
		t.Fatalf("expected 3 families, got %d", len(ids))
	}
}
