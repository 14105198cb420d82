// Package version reports build metadata for the showcase binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/showcase"

// buildVersion is set via -ldflags "-X pkt.systems/showcase/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build metadata exposed by `showcase version` and /healthz.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

type vcsInfo struct {
	revision string
	time     time.Time
	modified bool
}

// Read collects build metadata. Dirty builds keep the +dirty suffix.
func Read() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	out := Info{Module: defaultModule, Version: resolve(info, true)}
	if info == nil {
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	vcs := readVCS(info)
	out.Revision = vcs.revision
	out.Modified = vcs.modified
	out.GoVersion = info.GoVersion
	return out
}

// Current returns the best available version string without a dirty suffix.
func Current() string {
	info, _ := debug.ReadBuildInfo()
	return resolve(info, false)
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

func resolve(info *debug.BuildInfo, includeDirty bool) string {
	version := "v0.0.0-unknown"
	switch {
	case strings.TrimSpace(buildVersion) != "":
		version = strings.TrimSpace(buildVersion)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		version = strings.TrimSpace(info.Main.Version)
	default:
		if pseudo := pseudoVersion(readVCS(info)); pseudo != "" {
			version = pseudo
		}
	}
	if !includeDirty {
		version = strings.TrimSuffix(version, "+dirty")
	}
	return version
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.time = ts.UTC()
			}
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoVersion formats a Go-style pseudo version from VCS stamps.
func pseudoVersion(vcs vcsInfo) string {
	if vcs.revision == "" || vcs.time.IsZero() {
		return ""
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + vcs.time.Format("20060102150405") + "-" + rev
	if vcs.modified {
		out += "+dirty"
	}
	return out
}
