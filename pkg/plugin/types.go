// Package plugin defines the contract between the engine and external plugin binaries.
// Plugins receive Tasks via stdin (JSON array) and return Results via stdout (JSON array).
// The Credentials payload is protocol-specific and opaque to the engine - plugins parse it themselves.
package plugin

// Task is the input sent to a plugin binary.
type Task struct {
	DeviceID    int64  `json:"device_id"`             // Echoed back for correlation
	Target      string `json:"target"`                // IP address or hostname
	Port        int    `json:"port"`                  // Target port
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`  // Per-target budget the plugin should honour
	Credentials string `json:"credentials,omitempty"` // Decrypted JSON payload (protocol-specific)
}

// Result is the output from a plugin binary.
type Result struct {
	DeviceID int64    `json:"device_id"`
	Target   string   `json:"target"`
	Port     int      `json:"port"`
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Metrics  []Metric `json:"metrics,omitempty"`
}

// Metric represents a single metric data point.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}
