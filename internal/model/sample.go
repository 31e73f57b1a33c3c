package model

import "time"

// Sample is one temperature/humidity pair read from the telemetry feed.
// EntryID and CreatedAt describe the feed entry it came from and are only
// used for logging.
type Sample struct {
	Temperature float64
	Humidity    float64
	EntryID     int64
	CreatedAt   time.Time
}
