// Package buildinfo reports which mailgate build is running. Release
// builds stamp the variables below with -ldflags; plain "go build" and
// "go install" builds fall back to the VCS and module data the Go
// toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Stamped at release time, for example:
//
//	-ldflags "-X github.com/nugget/mailgate/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// modified is set when the embedded VCS data marks the tree dirty.
var modified bool

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fillFromModule(info)
}

// fillFromModule fills whatever ldflags left at its default from the
// toolchain's build metadata.
func fillFromModule(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" && s.Value != "" {
				Commit = s.Value
				if len(Commit) > 12 {
					Commit = Commit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
}

// Field is one line of the version report.
type Field struct {
	Name  string
	Value string
}

// Fields returns the version report in display order.
func Fields() []Field {
	commit := Commit
	if modified {
		commit += "-dirty"
	}
	return []Field{
		{"version", Version},
		{"commit", commit},
		{"build_time", BuildTime},
		{"go_version", runtime.Version()},
		{"platform", runtime.GOOS + "/" + runtime.GOARCH},
	}
}

// UserAgent is sent on every gateway request unless gateway.user_agent
// overrides it.
func UserAgent() string {
	return fmt.Sprintf("mailgate/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line banner printed by "mailgate version".
func String() string {
	return fmt.Sprintf("mailgate %s (commit %s, built %s)", Version, Commit, BuildTime)
}
