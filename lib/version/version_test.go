// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	t.Cleanup(func() { GitCommit, GitDirty = savedCommit, savedDirty })

	GitCommit, GitDirty = "abc1234", "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Fatalf("Info() = %q, want commit marked dirty", got)
	}
	GitDirty = "false"
	if got := Info(); strings.Contains(got, "dirty") {
		t.Fatalf("Info() = %q, clean build marked dirty", got)
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "freeflow/"+Version {
		t.Fatalf("UserAgent() = %q", got)
	}
}
