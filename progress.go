package zerobrew

// InstallProgress is one lifecycle event emitted during plan execution. Per
// package, events are ordered: DownloadStarted -> DownloadProgress* ->
// DownloadCompleted -> UnpackStarted -> UnpackCompleted -> LinkStarted ->
// (LinkCompleted | LinkSkipped) -> InstallCompleted. A blob already in the
// cache emits Skipped in place of the Download* events, and a package
// already installed at the same version emits only Skipped ->
// InstallCompleted. Events for different packages may interleave
// arbitrarily.
type InstallProgress struct {
	Kind ProgressKind
	Name string

	// Set for DownloadStarted/DownloadProgress/DownloadCompleted.
	Downloaded int64
	TotalBytes int64 // -1 if unknown

	// Set for LinkSkipped and Skipped.
	Reason string
}

// ProgressKind enumerates the InstallProgress event variants.
type ProgressKind int

const (
	DownloadStarted ProgressKind = iota
	DownloadProgress
	DownloadCompleted
	UnpackStarted
	UnpackCompleted
	LinkStarted
	LinkCompleted
	LinkSkipped
	InstallCompleted
	Skipped
)

// ProgressSink receives InstallProgress events. It must be safe to call from
// multiple goroutines concurrently and is never waited on by the installer
// (fire-and-forget), per spec.md §6.
type ProgressSink func(InstallProgress)

// noopSink discards every event; used when the caller passes a nil sink.
func noopSink(InstallProgress) {}
