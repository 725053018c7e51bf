// Package version exposes build metadata stamped via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/collabhub/internal/version.Version=1.2.0 \
//	                   -X github.com/rickgao/collabhub/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/collabhub/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	    ./cmd/collabd
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns "version (commit) built time".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// LogAttrs returns the build metadata as slog key/value pairs.
func LogAttrs() []any {
	return []any{"version", Version, "commit", Commit, "built", BuildTime}
}
