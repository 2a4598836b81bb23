package types

// ------------------------
// Recorder service
// ------------------------

type RecorderConfig struct {
	Mic     string `json:"mic" yaml:"mic"`         // microphone capability name
	Mount   string `json:"mount" yaml:"mount"`     // mount path, e.g. "/sdcard"
	Storage string `json:"storage" yaml:"storage"` // sdcard capability name
	Seconds int    `json:"seconds" yaml:"seconds"`
	Button  string `json:"button" yaml:"button"` // button capability name; empty disables
	Prefix  string `json:"prefix" yaml:"prefix"`
	LED     string `json:"led,omitempty" yaml:"led,omitempty"` // lit while recording; empty disables
}

// RecStart is the optional payload of rec/control/start.
type RecStart struct {
	Seconds int `json:"seconds,omitempty"`
}

type RecState struct {
	State string `json:"state"` // "idle", "recording", "error"
	Error string `json:"error,omitempty"`
	Path  string `json:"path,omitempty"`
	TSms  int64  `json:"ts_ms"`
}

type RecSaved struct {
	Path       string `json:"path"`
	Samples    int    `json:"samples"`
	Bytes      int64  `json:"bytes"`
	SampleRate int    `json:"sample_rate"`
	DurationMs int64  `json:"duration_ms"`
}

// ------------------------
// Uplink service
// ------------------------

type UplinkConfig struct {
	URL         string `json:"url" yaml:"url"`
	TimeoutMs   int    `json:"timeout_ms" yaml:"timeout_ms"`
	MaxFailures int    `json:"max_failures" yaml:"max_failures"`
	Retries     int    `json:"retries" yaml:"retries"`
	DeleteAfter bool   `json:"delete_after" yaml:"delete_after"`
	Compress    bool   `json:"compress" yaml:"compress"` // zstd request body
}

type UplinkState struct {
	Level  string `json:"level"`  // "idle", "up", "degraded", "down"
	Status string `json:"status"` // short code
	Error  string `json:"error,omitempty"`
	TSms   int64  `json:"ts_ms"`
}

type UplinkSent struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Status int    `json:"status"`
	Reply  string `json:"reply,omitempty"`
}
