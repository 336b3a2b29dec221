// Package version provides version information for the VoiceLink client.
// Version variables can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/AltairaLabs/VoiceLink/version.version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	// devVersion is the default version when not set via ldflags
	devVersion = "dev"
	// shortCommitLen is the length of the short commit hash
	shortCommitLen = 7
	// vcsRevisionKey is the build info key for git commit
	vcsRevisionKey = "vcs.revision"
	// vcsModifiedKey is the build info key for dirty state
	vcsModifiedKey = "vcs.modified"
)

// Build-time variables, overridable with -ldflags.
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// Version returns the current version string, falling back to go module
// build info when no ldflags version was set.
func Version() string {
	if version != devVersion {
		return version
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}

	return devVersion
}

// UserAgent returns the value sent in the WebSocket handshake's User-Agent
// header, e.g. "voicelink/1.0.0".
func UserAgent() string {
	return "voicelink/" + Version()
}

// commitFromBuildInfo extracts the short git commit hash from build info.
func commitFromBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, setting := range info.Settings {
		if setting.Key == vcsRevisionKey && setting.Value != "" {
			return setting.Value[:min(shortCommitLen, len(setting.Value))]
		}
	}
	return ""
}

// dirtyFromBuildInfo reports whether the build has uncommitted changes.
func dirtyFromBuildInfo() bool {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return false
	}

	for _, setting := range info.Settings {
		if setting.Key == vcsModifiedKey && setting.Value == "true" {
			return true
		}
	}
	return false
}

// Info returns a multi-line human-readable version report.
func Info() string {
	var b strings.Builder

	fmt.Fprintf(&b, "voicelink version %s", Version())

	commit := gitCommit
	if commit == "" {
		commit = commitFromBuildInfo()
	}
	if commit != "" {
		fmt.Fprintf(&b, "\ncommit: %s", commit)
		if dirtyFromBuildInfo() {
			b.WriteString(" (dirty)")
		}
	}

	if buildDate != "" {
		fmt.Fprintf(&b, "\nbuilt: %s", buildDate)
	}

	return b.String()
}

// BuildAttrs returns version details as structured log attributes.
func BuildAttrs() []any {
	attrs := []any{
		"version", Version(),
	}

	commit := gitCommit
	if commit == "" {
		commit = commitFromBuildInfo()
	}
	if commit != "" {
		attrs = append(attrs, "commit", commit)
	}

	return attrs
}
