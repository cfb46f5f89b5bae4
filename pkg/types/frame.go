package types

import (
	"image"
	"time"
)

// Frame represents one decoded camera image with metadata
type Frame struct {
	Image     image.Image // Decoded pixels, already at target size
	Width     int         // Frame width
	Height    int         // Frame height
	Seq       uint64      // Sequential frame number assigned by the capture loop
	Timestamp time.Time   // Capture timestamp
}

// Health is the body served by the hub's /health endpoint
type Health struct {
	Status         string `json:"status"`
	Viewers        int    `json:"viewers"`
	RelayConnected bool   `json:"relay_connected"`
}
