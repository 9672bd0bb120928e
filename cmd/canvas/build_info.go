package main

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// 通过 -ldflags "-X main.buildVersion=... -X main.buildCommit=..." 注入。
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildTime    = ""
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	Runtime   string `json:"runtime"`
}

// currentBuildInfo 汇总构建信息。ldflags 未注入时退回 go build 内嵌的 VCS 戳。
func currentBuildInfo() BuildInfo {
	revision, vcsTime, modified := "", "", false
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = strings.TrimSpace(s.Value)
			case "vcs.time":
				vcsTime = strings.TrimSpace(s.Value)
			case "vcs.modified":
				modified = strings.TrimSpace(s.Value) == "true"
			}
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified && revision != "" {
		revision += "-dirty"
	}

	version := strings.TrimSpace(buildVersion)
	if (version == "" || version == "dev") && revision != "" {
		version = "dev+" + revision
	}
	commit := strings.TrimSpace(buildCommit)
	if (commit == "" || commit == "unknown") && revision != "" {
		commit = revision
	}

	built := strings.TrimSpace(buildTime)
	if built == "" {
		built = vcsTime
	}
	if built == "" {
		built = "unknown"
	} else if t, err := time.Parse(time.RFC3339, built); err == nil {
		built = t.Local().Format("2006-01-02 15:04:05 MST")
	}

	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: built,
		Runtime:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
