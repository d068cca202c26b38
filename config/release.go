/*
 * Copyright (c) 2024 the ubuntu-zfs-root authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// Release describes a supported Ubuntu release.
type Release struct {
	Name    string
	Version string
	LTS     bool
}

// Supported releases, oldest first. Lookup of an unknown identifier falls
// back to the newest entry.
var releases = []Release{
	{Name: "jammy", Version: "22.04", LTS: true},
	{Name: "noble", Version: "24.04", LTS: true},
	{Name: "oracular", Version: "24.10"},
	{Name: "plucky", Version: "25.04"},
}

// poolCompatCutoff: releases older than this ship OpenZFS 2.1 and need the
// pool pinned to that feature set so their tools can import it.
const poolCompatCutoff = "24.04"

// PoolCompatibility is the zpool compatibility file name used for older
// releases.
const PoolCompatibility = "openzfs-2.1-linux"

func LookupRelease(name string) Release {
	for _, release := range releases {
		if release.Name == name {
			return release
		}
	}
	return releases[len(releases)-1]
}

func SupportedReleases() []Release {
	out := make([]Release, len(releases))
	copy(out, releases)
	return out
}

func (r Release) version() *goversion.Version {
	parsed, err := goversion.NewVersion(r.Version)
	if err != nil {
		panic(fmt.Sprintf("release table holds unparseable version %q: %v", r.Version, err))
	}
	return parsed
}

// NeedsPoolCompat reports whether pool creation must pass the backward
// compatibility option for this release.
func (r Release) NeedsPoolCompat() bool {
	cutoff := goversion.Must(goversion.NewVersion(poolCompatCutoff))
	return r.version().LessThan(cutoff)
}

// HWEKernelPackage names the hardware enablement kernel for LTS releases and
// returns false for releases that do not have one.
func (r Release) HWEKernelPackage() (string, bool) {
	if !r.LTS {
		return "", false
	}
	return fmt.Sprintf("linux-generic-hwe-%s", r.Version), true
}
