package version

var (
	// Version is the release version, set at build time.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = "unknown"
)
