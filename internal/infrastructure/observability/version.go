package observability

// Build identity for startup logs. Overwritten via -ldflags at release time.
var (
	Version = "dev"  // release version
	Commit  = "none" // short commit
)
