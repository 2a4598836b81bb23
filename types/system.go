package types

// Heartbeat is published on sys/heartbeat at the configured interval.
type Heartbeat struct {
	UptimeS int64    `json:"uptime_s"`
	Mounts  []string `json:"mounts,omitempty"`
	TSms    int64    `json:"ts_ms"`
}

type HeartbeatConfig struct {
	IntervalS int `json:"interval_s" yaml:"interval_s"`
}
