package domain

import "time"

type SourceID string

type Source struct {
	ID       SourceID `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Location string   `json:"location,omitempty" yaml:"location"`
	// Locator is passed to the transcoder untouched.
	Locator string      `json:"-" yaml:"locator"`
	Quality QualityTier `json:"quality" yaml:"quality"`
}

type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
)

type QualityProfile struct {
	Tier    QualityTier `json:"tier"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	FPS     int         `json:"fps"`
	CRF     int         `json:"crf"`
	Bitrate int         `json:"bitrate"` // kbps
	BufSize int         `json:"bufsize"` // kbps
}

type RelayState string

const (
	RelayStarting    RelayState = "starting"
	RelayRunning     RelayState = "running"
	RelayRestarting  RelayState = "restarting"
	RelayUnavailable RelayState = "unavailable"
	RelayStopped     RelayState = "stopped"
)

type RelayStatus struct {
	SourceID    SourceID       `json:"source_id"`
	PID         int            `json:"pid"`
	State       RelayState     `json:"state"`
	Profile     QualityProfile `json:"profile"`
	StartedAt   time.Time      `json:"started_at"`
	Restarts    int            `json:"restarts"`
	Subscribers int            `json:"subscribers"`
	BytesOut    int64          `json:"bytes_out"`
}

type SourceView struct {
	ID     SourceID `json:"id"`
	Name   string   `json:"name"`
	Active bool     `json:"active"`
}
