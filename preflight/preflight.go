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

package preflight

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// requiredTools maps each external tool to the package that carries it, for
// the best-effort auto-install of anything missing from the live session.
var requiredTools = map[string]string{
	"sgdisk":      "gdisk",
	"wipefs":      "util-linux",
	"partprobe":   "parted",
	"udevadm":     "udev",
	"zpool":       "zfsutils-linux",
	"zfs":         "zfsutils-linux",
	"debootstrap": "debootstrap",
	"mkfs.vfat":   "dosfstools",
	"efibootmgr":  "efibootmgr",
	"blkid":       "util-linux",
	"cryptsetup":  "cryptsetup",
	"chroot":      "coreutils",
}

const efiFirmwarePath = "/sys/firmware/efi"

// Report is the outcome of the environment checks. Only missing privilege is
// fatal; firmware and network problems degrade the run with warnings.
type Report struct {
	Privileged    bool
	MissingTools  []string
	UEFI          bool
	MirrorReached bool
}

func (r Report) Fatal() bool {
	return !r.Privileged
}

// Warnings lists the degraded, non-fatal conditions.
func (r Report) Warnings() []string {
	warnings := []string{}
	if !r.UEFI {
		warnings = append(warnings, "no UEFI firmware detected; boot entry registration will fail")
	}
	if !r.MirrorReached {
		warnings = append(warnings, "package mirror could not be resolved; installation may fail later")
	}
	for _, tool := range r.MissingTools {
		warnings = append(warnings, fmt.Sprintf("required tool %s is still missing after install attempt", tool))
	}
	return warnings
}

// Check verifies the environment before any destructive action: privilege,
// tool availability (with an install attempt for anything missing), firmware
// mode, and mirror name resolution.
func Check(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, logger *zap.Logger, cfg *config.InstallConfig) Report {
	report := Report{
		Privileged: os.Geteuid() == 0,
	}
	if !report.Privileged {
		return report
	}

	missingPackages := map[string]bool{}
	for tool, pkg := range requiredTools {
		if _, lookErr := exec.LookPath(tool); lookErr != nil {
			missingPackages[pkg] = true
		}
	}
	if len(missingPackages) > 0 {
		args := []string{"install", "-y"}
		for pkg := range missingPackages {
			args = append(args, pkg)
		}
		if err := runner.Run(ctx, exec.Command("apt-get", args...)); err != nil {
			logger.Warn("could not install missing tools", zap.Error(err))
		}
		for tool := range requiredTools {
			if _, lookErr := exec.LookPath(tool); lookErr != nil {
				report.MissingTools = append(report.MissingTools, tool)
			}
		}
	}

	uefi, statErr := afero.DirExists(fileSystem, efiFirmwarePath)
	report.UEFI = statErr == nil && uefi

	report.MirrorReached = mirrorResolves(cfg.Mirror)

	return report
}

func mirrorResolves(mirror string) bool {
	parsed, parseErr := url.Parse(mirror)
	if parseErr != nil || parsed.Hostname() == "" {
		return false
	}
	addrs, lookupErr := net.LookupHost(parsed.Hostname())
	return lookupErr == nil && len(addrs) > 0
}
