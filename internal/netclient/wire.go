package netclient

// UploadRequest is the decoded payload the Uploader seals into a secured
// envelope before POSTing to /aggregated/<device_id> (spec.md §6).
type UploadRequest struct {
	DeviceID        string            `json:"device_id"`
	Timestamp       int64             `json:"timestamp"`
	DataType        string            `json:"data_type"`
	TotalSamples    int               `json:"total_samples"`
	RegisterMapping map[string]string `json:"register_mapping"`
	CompressedData  []CompressedEntry `json:"compressed_data"`
	SessionSummary  SessionSummary    `json:"session_summary"`
}

type CompressedEntry struct {
	CompressedBinary      string                `json:"compressed_binary"`
	DecompressionMetadata DecompressionMetadata `json:"decompression_metadata"`
	PerformanceMetrics    PerformanceMetrics    `json:"performance_metrics"`
}

type DecompressionMetadata struct {
	Method              string `json:"method"`
	RegisterCount       int    `json:"register_count"`
	OriginalSizeBytes   int    `json:"original_size_bytes"`
	CompressedSizeBytes int    `json:"compressed_size_bytes"`
	Timestamp           int64  `json:"timestamp"`
	RegisterLayout      []int  `json:"register_layout"`
}

type PerformanceMetrics struct {
	AcademicRatio     float64 `json:"academic_ratio"`
	TraditionalRatio  float64 `json:"traditional_ratio"`
	CompressionTimeUs int64   `json:"compression_time_us"`
	SavingsPercent    float64 `json:"savings_percent"`
	LosslessVerified  bool    `json:"lossless_verified"`
}

type SessionSummary struct {
	PacketCount int `json:"packet_count"`
	DroppedOld  int `json:"dropped_old_packets"`
}

// Command is one remote command returned by GET /commands/<id>/poll
// (spec.md §4.7): set-output-power, write-register, reboot, clear-KV,
// collect-diagnostics, set-log-level, benchmark-compression.
type Command struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

const (
	CommandSetOutputPower       = "set-output-power"
	CommandWriteRegister        = "write-register"
	CommandReboot               = "reboot"
	CommandClearKV              = "clear-kv"
	CommandCollectDiagnostics   = "collect-diagnostics"
	CommandSetLogLevel          = "set-log-level"
	CommandBenchmarkCompression = "benchmark-compression"
)

// CommandResult is POSTed to /commands/<id>/result after local execution.
type CommandResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// ConfigRecord is the canonical config record returned by
// GET /config/<device_id> (spec.md §4.7).
type ConfigRecord struct {
	PollPeriodMS   int64  `json:"poll_period_ms"`
	UploadPeriodMS int64  `json:"upload_period_ms"`
	RegisterMask   uint16 `json:"register_mask"`
	RegisterCount  uint8  `json:"register_count"`
}

// FaultReport is POSTed to /fault/recovery (spec.md §6).
type FaultReport struct {
	DeviceID       string `json:"device_id"`
	Timestamp      int64  `json:"timestamp"`
	FaultType      string `json:"fault_type"` // e.g. protocol_frame, queue_overflow, ota_*, supervisor_<task>
	RecoveryAction string `json:"recovery_action"`
	Success        bool   `json:"success"`
	Details        string `json:"details"`
}
