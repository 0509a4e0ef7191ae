package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

// stamp sets the package variables for one test and restores them.
func stamp(t *testing.T, version, commit, built string, dirty bool) {
	t.Helper()
	oldV, oldC, oldB, oldM := Version, Commit, BuildTime, modified
	Version, Commit, BuildTime, modified = version, commit, built, dirty
	t.Cleanup(func() {
		Version, Commit, BuildTime, modified = oldV, oldC, oldB, oldM
	})
}

func TestFillFromModule_UsesVCSWhenUnstamped(t *testing.T) {
	stamp(t, "dev", "unknown", "unknown", false)

	fillFromModule(&debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-05T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	if Version != "v1.4.0" {
		t.Errorf("Version = %q, want v1.4.0", Version)
	}
	if Commit != "0123456789ab" {
		t.Errorf("Commit = %q, want the 12-char prefix", Commit)
	}
	if BuildTime != "2026-01-05T10:00:00Z" {
		t.Errorf("BuildTime = %q", BuildTime)
	}
	if got := fieldValue(Fields(), "commit"); got != "0123456789ab-dirty" {
		t.Errorf("commit field = %q, want dirty marker", got)
	}
}

func TestFillFromModule_LdflagsWin(t *testing.T) {
	stamp(t, "v2.0.0", "cafef00d", "2026-02-01", false)

	fillFromModule(&debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "ffffffffffffffff"},
			{Key: "vcs.time", Value: "2020-01-01T00:00:00Z"},
		},
	})

	if Version != "v2.0.0" || Commit != "cafef00d" || BuildTime != "2026-02-01" {
		t.Errorf("stamped values overwritten: %s %s %s", Version, Commit, BuildTime)
	}
}

func TestFillFromModule_DevelKeepsDev(t *testing.T) {
	stamp(t, "dev", "unknown", "unknown", false)
	fillFromModule(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if Version != "dev" {
		t.Errorf("Version = %q, want dev", Version)
	}
}

func TestFields_Order(t *testing.T) {
	var names []string
	for _, f := range Fields() {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "version,commit,build_time,go_version,platform" {
		t.Errorf("field order = %s", got)
	}
}

func TestUserAgent(t *testing.T) {
	stamp(t, "v1.0.0", "abc", "now", false)
	if ua := UserAgent(); !strings.HasPrefix(ua, "mailgate/v1.0.0 (") {
		t.Errorf("UserAgent() = %q", ua)
	}
	if s := String(); s != "mailgate v1.0.0 (commit abc, built now)" {
		t.Errorf("String() = %q", s)
	}
}

func fieldValue(fields []Field, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
