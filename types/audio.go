package types

// ------------------------
// Audio input (microphone)
// ------------------------

type MicInfo struct {
	Source        string  `json:"source"` // "adc" or "wav"
	Unit          int     `json:"unit,omitempty"`
	Channel       int     `json:"channel,omitempty"`
	GPIO          int     `json:"gpio,omitempty"`
	File          string  `json:"file,omitempty"`
	SampleRate    int     `json:"sample_rate"`
	BitDepth      int     `json:"bit_depth"`
	BlockSamples  int     `json:"block_samples"`
	AttenuationDB float32 `json:"attenuation_db,omitempty"`
}

// MicSessionOpen starts sampling. RingSize is in bytes (power of two);
// zero selects the device default.
type MicSessionOpen struct {
	RingSize int `json:"ring_size,omitempty"`
}

// MicSessionClose ends the session SessionID names.
type MicSessionClose struct {
	SessionID uint32 `json:"session_id"`
}

// MicSessionOpened carries the ring handle the caller drains. Samples in the
// ring are signed 16-bit little-endian.
type MicSessionOpened struct {
	SessionID  uint32 `json:"session_id"`
	Handle     uint32 `json:"handle"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

type MicStats struct {
	Running  bool   `json:"running"`
	Samples  uint64 `json:"samples"`
	Overruns uint64 `json:"overruns"`
}
