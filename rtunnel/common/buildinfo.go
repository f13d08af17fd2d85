/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"runtime"
	"runtime/debug"
	"strings"
)

/*
These values should be filled in at build time using the `-X` option to the
Go linker, for example:

  -ldflags "-X github.com/Psiphon-Labs/rtunnel/rtunnel/common.buildDate=`date --iso-8601=seconds` \
            -X github.com/Psiphon-Labs/rtunnel/rtunnel/common.buildRev=`git rev-parse --short HEAD`"

Without these flags, buildRev falls back to the VCS revision recorded by the
Go toolchain, when available.
*/
var buildDate string
var buildRepo string
var buildRev string

// BuildInfo describes the running binary.
type BuildInfo struct {
	BuildDate    string            `json:"buildDate"`
	BuildRepo    string            `json:"buildRepo"`
	BuildRev     string            `json:"buildRev"`
	GoVersion    string            `json:"goVersion"`
	Dependencies map[string]string `json:"dependencies"`
}

// ToMap converts BuildInfo to log fields.
func (bi *BuildInfo) ToMap() LogFields {
	return LogFields{
		"buildDate":    bi.BuildDate,
		"buildRepo":    bi.BuildRepo,
		"buildRev":     bi.BuildRev,
		"goVersion":    bi.GoVersion,
		"dependencies": bi.Dependencies,
	}
}

// GetBuildInfo returns the link time build values, completed with the
// module information embedded by the Go toolchain.
func GetBuildInfo() *BuildInfo {

	buildInfo := &BuildInfo{
		BuildDate:    strings.TrimSpace(buildDate),
		BuildRepo:    strings.TrimSpace(buildRepo),
		BuildRev:     strings.TrimSpace(buildRev),
		GoVersion:    runtime.Version(),
		Dependencies: make(map[string]string),
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return buildInfo
	}

	if buildInfo.BuildRepo == "" {
		buildInfo.BuildRepo = info.Main.Path
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && buildInfo.BuildRev == "" {
			buildInfo.BuildRev = setting.Value
		}
		if setting.Key == "vcs.time" && buildInfo.BuildDate == "" {
			buildInfo.BuildDate = setting.Value
		}
	}
	for _, dep := range info.Deps {
		buildInfo.Dependencies[dep.Path] = dep.Version
	}

	return buildInfo
}
