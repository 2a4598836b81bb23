package types

// ------------------------
// Storage (SD card over SPI)
// ------------------------

// CardKind is the SD card generation reported by the probe.
type CardKind string

const (
	CardSDSCv1 CardKind = "sdsc_v1"
	CardSDSCv2 CardKind = "sdsc_v2"
	CardSDHC   CardKind = "sdhc"
)

type StorageInfo struct {
	Path          string   `json:"path"`
	Bus           string   `json:"bus"`
	Card          CardKind `json:"card"`
	CapacityBytes uint64   `json:"capacity_bytes"`
	Filesystem    string   `json:"filesystem,omitempty"`
	BlockSize     int      `json:"block_size"`
	MISO          int      `json:"miso"`
	MOSI          int      `json:"mosi"`
	CLK           int      `json:"clk"`
	CS            int      `json:"cs"`
}

// StorageValue is the retained value published after mount and each sync.
type StorageValue struct {
	Mounted bool  `json:"mounted"`
	Files   int   `json:"files"`
	Bytes   int64 `json:"bytes"`
}

type StorageSync struct{}
