package version

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X curator/pkg/version.Version=...". Binaries built with
// plain go build or go install fall back to the VCS stamp in their build info.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified,omitempty"`
}

func GetInfo() Info {
	info := Info{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromBuildInfo(&info, bi)
	}
	return info
}

func fillFromBuildInfo(info *Info, bi *debug.BuildInfo) {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" {
				info.GitCommit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

// Short trims the commit to 7 characters.
func (i Info) Short() string {
	if len(i.GitCommit) > 7 {
		return i.GitCommit[:7]
	}
	return i.GitCommit
}

// String is the line the version subcommands print.
func String(binary string) string {
	info := GetInfo()
	commit := info.Short()
	if info.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s %s (%s, built %s)", binary, info.Version, commit, info.BuildDate)
}
