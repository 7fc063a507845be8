// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	UserAgent = ""
)

func init() {
	UserAgent = fmt.Sprintf("stallarr/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// Info returns a one-line summary of the build.
func Info() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
