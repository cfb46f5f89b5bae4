package hub

// Stats is the payload for /api/status and /api/status/stream.
type Stats struct {
	Viewers        int     `json:"viewers"`
	RelayConnected bool    `json:"relay_connected"`
	RelayID        string  `json:"relay_id,omitempty"`
	UptimeSeconds  float64 `json:"uptime_seconds"`

	FramesReceived uint64  `json:"frames_received"`
	BytesReceived  uint64  `json:"bytes_received"`
	LastFrameBytes int     `json:"last_frame_bytes"`
	LastFrameAgeMs float64 `json:"last_frame_age_ms"` // 0 before the first frame

	LastRound            RoundStats `json:"last_round"`
	Evictions            uint64     `json:"evictions"`
	ProducerReplacements uint64     `json:"producer_replacements"`
	ProducerRejections   uint64     `json:"producer_rejections"`

	ViewerList []ViewerStats `json:"viewer_list"`
	Timestamp  float64       `json:"timestamp"`
}

// RoundStats summarizes the most recent fan-out round.
type RoundStats struct {
	Delivered  int     `json:"delivered"`
	Evicted    int     `json:"evicted"`
	DurationMs float64 `json:"duration_ms"`
}

// ViewerStats describes one registered viewer.
type ViewerStats struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Remote   string  `json:"remote"`
	Sent     uint64  `json:"sent"`
	Duration float64 `json:"connected_seconds"`
}
