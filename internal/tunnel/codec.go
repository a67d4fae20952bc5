package tunnel

import (
	"github.com/hopveil/hopveil/internal/frame"
	"github.com/hopveil/hopveil/internal/protofam"
)

// decodePayload inverts a received frame's payload obfuscation using the
// family/variant the *frame itself* carries (proto_id, extra_header[0]),
// never the endpoint's currently-intended send family/variant — a frame in
// flight may have been built under an earlier window's assignment by the
// time it arrives (original_source/obfuscation.py's decode_payload).
func decodePayload(registry *protofam.Registry, fr *frame.Frame) error {
	fam, ok := registry.Family(fr.ProtoID)
	if !ok {
		return nil
	}
	var variantID uint8
	if len(fr.ExtraHeader) > 0 {
		variantID = fr.ExtraHeader[0]
	}
	payload, err := protofam.DecodePayload(fr.Payload, fam.Variant(variantID))
	if err != nil {
		return err
	}
	fr.Payload = payload
	return nil
}
