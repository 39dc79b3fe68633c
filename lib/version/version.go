// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the freeflow binary.
//
// Values are injected at build time:
//
//	go build -ldflags "-X github.com/freeflow-chat/freeflow/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns the --version line.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent in the relay handshake so server logs can tell
// client builds apart.
func UserAgent() string {
	return "freeflow/" + Version
}
