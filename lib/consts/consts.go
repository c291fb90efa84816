// Package consts houses some constants needed across periscope
package consts

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// AppName is the canonical name of the tool, used in user agents, HAR
// creator fields and log lines.
const AppName = "periscope"

// Version contains the current semantic version of periscope.
const Version = "0.3.0"

// Banner returns the ASCII-art banner printed by the root command.
func Banner() string {
	banner := strings.Join([]string{
		`    ____  ___  _____(_)_____________  ____  ___ `,
		`   / __ \/ _ \/ ___/ / ___/ ___/ __ \/ __ \/ _ \`,
		`  / /_/ /  __/ /  / (__  ) /__/ /_/ / /_/ /  __/`,
		` / .___/\___/_/  /_/____/\___/\____/ .___/\___/ `,
		`/_/                               /_/           `,
	}, "\n")

	return banner
}

// FullVersion returns the maximally full version and build information for
// the currently running periscope executable.
func FullVersion() string {
	goVersionArch := fmt.Sprintf("%s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Sprintf("v%s (%s)", Version, goVersionArch)
	}

	var commit, dirty string
	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
			if len(commit) > 10 {
				commit = commit[:10]
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "-dirty"
			}
		}
	}
	if commit == "" {
		return fmt.Sprintf("v%s (%s)", Version, goVersionArch)
	}
	return fmt.Sprintf("v%s (commit/%s%s, %s)", Version, commit, dirty, goVersionArch)
}
