package version

// Version is overridden at build time with
// -ldflags "-X accesswatch/internal/version.Version=..."
var Version = "dev"
