// Package version reports build metadata injected with -ldflags, filling
// gaps from the module build info.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/keithlinneman/admissiond/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	info := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fromBuildInfo(bi)
	}
	return info
}

// fromBuildInfo fills fields the linker flags left at their defaults.
func (i *Info) fromBuildInfo(bi *debug.BuildInfo) {
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			if i.CommitDate == "" {
				i.CommitDate = s.Value
			}
		case "vcs.modified":
			dirty := s.Value == "true"
			i.VCSDirty = &dirty
		}
	}
}

// ShortCommit is the first 12 characters of Commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

func (i Info) String() string {
	s := fmt.Sprintf("%s (commit %s, %s)", i.Version, i.ShortCommit(), i.GoVersion)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += " dirty"
	}
	return s
}
