package model

// EventType discriminates the events a channel can emit.
type EventType string

const (
	// EventTypeStdout is the terminal success summary of an execution.
	EventTypeStdout EventType = "stdout"
	// EventTypeStderr carries errors, rejections and failure summaries.
	EventTypeStderr EventType = "stderr"
	// EventTypeStream carries an incremental chunk of execution output.
	EventTypeStream EventType = "stream"
	// EventTypeStatus carries informational state changes.
	EventTypeStatus EventType = "status"
	// EventTypeResourceStats carries a live resource telemetry sample.
	EventTypeResourceStats EventType = "resource_stats"
	// EventTypeDiskStats carries the one-shot disk telemetry sample.
	EventTypeDiskStats EventType = "disk_stats"
	// EventTypeFilesystemUpdate hints the client to refresh its file listing.
	EventTypeFilesystemUpdate EventType = "filesystem_update"
)

// Event is one server-to-client channel message. The set of implementations
// is closed, one concrete payload shape per type.
type Event interface {
	EventType() EventType
	Payload() interface{}
}

// StdoutEvent is the terminal summary of a successful execution.
type StdoutEvent struct {
	Content string
}

func (e StdoutEvent) EventType() EventType { return EventTypeStdout }
func (e StdoutEvent) Payload() interface{} { return e.Content }

// StderrEvent carries error output, rejections and failure summaries.
type StderrEvent struct {
	Content string
}

func (e StderrEvent) EventType() EventType { return EventTypeStderr }
func (e StderrEvent) Payload() interface{} { return e.Content }

// StreamEvent is an incremental chunk of execution output.
type StreamEvent struct {
	Content string
}

func (e StreamEvent) EventType() EventType { return EventTypeStream }
func (e StreamEvent) Payload() interface{} { return e.Content }

// StatusEvent is an informational message about channel or kernel state.
type StatusEvent struct {
	Content string
}

func (e StatusEvent) EventType() EventType { return EventTypeStatus }
func (e StatusEvent) Payload() interface{} { return e.Content }

// ResourceStats is the payload of a resource_stats event.
type ResourceStats struct {
	RAMUsage   uint64  `json:"ram_usage"`
	RAMLimit   uint64  `json:"ram_limit"`
	CPUPercent float64 `json:"cpu_percent"`
}

// ResourceStatsEvent is a live resource telemetry sample.
type ResourceStatsEvent struct {
	Stats ResourceStats
}

func (e ResourceStatsEvent) EventType() EventType { return EventTypeResourceStats }
func (e ResourceStatsEvent) Payload() interface{} { return e.Stats }

// DiskStats is the payload of a disk_stats event, in bytes.
type DiskStats struct {
	DiskUsage uint64 `json:"disk_usage"`
	DiskLimit uint64 `json:"disk_limit"`
}

// DiskStatsEvent is the one-shot disk telemetry sample.
type DiskStatsEvent struct {
	Stats DiskStats
}

func (e DiskStatsEvent) EventType() EventType { return EventTypeDiskStats }
func (e DiskStatsEvent) Payload() interface{} { return e.Stats }

// FilesystemUpdateEvent hints the client that workspace files may have changed.
type FilesystemUpdateEvent struct {
	Content string
}

func (e FilesystemUpdateEvent) EventType() EventType { return EventTypeFilesystemUpdate }
func (e FilesystemUpdateEvent) Payload() interface{} { return e.Content }
