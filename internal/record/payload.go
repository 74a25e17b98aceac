package record

// FramePayload describes a single extracted video frame. Path points at
// the externally stored image; the store never embeds image bytes.
type FramePayload struct {
	Path   string `json:"path" validate:"required"`
	Width  int    `json:"width" validate:"gte=0"`
	Height int    `json:"height" validate:"gte=0"`
}

// CaptionPayload is the captioner's description of a frame.
type CaptionPayload struct {
	Text string `json:"text" validate:"required"`
}

// TranscriptPayload is one transcript segment. End must be strictly
// greater than Start.
type TranscriptPayload struct {
	Start      float64 `json:"start" validate:"gte=0"`
	End        float64 `json:"end" validate:"gtfield=Start"`
	Text       string  `json:"text" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// BoundingBox locates a detected object within a frame. Coordinates are
// pixels relative to the frame's top-left corner.
type BoundingBox struct {
	X float64 `json:"x" validate:"gte=0"`
	Y float64 `json:"y" validate:"gte=0"`
	W float64 `json:"w" validate:"gt=0"`
	H float64 `json:"h" validate:"gt=0"`
}

// DetectionPayload is one detected object in a frame.
type DetectionPayload struct {
	Label      string      `json:"label" validate:"required"`
	Confidence float64     `json:"confidence" validate:"gte=0,lte=1"`
	Box        BoundingBox `json:"box" validate:"required"`
}
