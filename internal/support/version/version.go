// Package version holds build-time identity, set via -ldflags at link time
// (e.g. -ldflags "-X telegram-ingest-fabric/internal/support/version.Version=1.4.0").
package version

// Name identifies the binary in /version output and the admin web dashboard.
var Name = "telegram-ingest-fabric"

// Version defaults to a dev marker; CI overrides it with the release tag.
var Version = "dev"
