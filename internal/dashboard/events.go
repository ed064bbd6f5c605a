package dashboard

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/bike-counter/internal/loop"
	"github.com/dj-oyu/bike-counter/internal/overlay"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

func newDetectionEvent(p loop.Pass) DetectionEvent {
	ev := DetectionEvent{
		Seq:        p.Seq,
		Timestamp:  float64(p.At.UnixNano()) / 1e9,
		Count:      p.Count,
		LatencyMs:  float64(p.Latency.Microseconds()) / 1000,
		Detections: make([]DetectionPayload, 0, len(p.Detections)),
	}
	ev.FrameNumber = p.Frame.Number
	if p.Frame.Image != nil {
		b := p.Frame.Image.Bounds()
		ev.Width, ev.Height = b.Dx(), b.Dy()
	}
	for _, d := range p.Detections {
		ev.Detections = append(ev.Detections, DetectionPayload{
			Class: d.Class,
			Score: d.Score,
			Label: overlay.Label(d),
			BBox:  d.BBox,
		})
	}
	return ev
}

// serializeEvent encodes payload as JSON and as a base64 protobuf Struct
// carrying the same fields.
func serializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build protobuf event: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf event: %w", err)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(pbData)))
	base64.StdEncoding.Encode(encoded, pbData)

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: encoded,
	}, nil
}
