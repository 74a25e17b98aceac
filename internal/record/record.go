// Package record defines the typed analysis records produced by the
// processing tools (frame extractor, captioner, transcriber, detector)
// and the per-kind payload shapes they carry.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of analysis a ContextRecord carries.
type Kind string

const (
	KindFrame      Kind = "frame"
	KindCaption    Kind = "caption"
	KindTranscript Kind = "transcript"
	KindDetection  Kind = "detection"
)

// Kinds lists every valid record kind.
var Kinds = []Kind{KindFrame, KindCaption, KindTranscript, KindDetection}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFrame, KindCaption, KindTranscript, KindDetection:
		return true
	}
	return false
}

// Ordered reports whether records of this kind must carry
// non-decreasing timestamps within a batch.
func (k Kind) Ordered() bool {
	return k == KindFrame || k == KindTranscript
}

// ContextRecord is the unit of analysis output stored per media item.
// Payload is a kind-specific JSON document; see the payload structs in
// payload.go for the accepted shapes.
type ContextRecord struct {
	ID           string          `json:"id"`
	MediaItemID  string          `json:"media_item_id"`
	Kind         Kind            `json:"kind"`
	Timestamp    *float64        `json:"timestamp,omitempty"` // nil for whole-item records
	Payload      json.RawMessage `json:"payload"`
	ToolName     string          `json:"tool_name"`
	ToolVersion  string          `json:"tool_version"`
	ModelVersion string          `json:"model_version"`
	ParamsJSON   string          `json:"params,omitempty"` // JSON object stored as text
	CreatedAt    time.Time       `json:"created_at"`
}

// DecodePayload unmarshals raw into the payload struct for kind,
// rejecting unknown fields so malformed tool output is caught early.
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	p := payloadFor(kind)
	if p == nil {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload for kind %q", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return p, nil
}

func payloadFor(kind Kind) any {
	switch kind {
	case KindFrame:
		return &FramePayload{}
	case KindCaption:
		return &CaptionPayload{}
	case KindTranscript:
		return &TranscriptPayload{}
	case KindDetection:
		return &DetectionPayload{}
	}
	return nil
}
