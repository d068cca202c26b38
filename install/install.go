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

package install

import (
	"context"
	"embed"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

//go:embed files/*
var configFiles embed.FS

// hostFiles are copied into the target so the new system can import its root
// pool unattended at first boot: the host id the pool was created under, a
// working resolver, and the import cache.
var hostFiles = []string{
	"/etc/hostid",
	"/etc/resolv.conf",
	"/etc/zfs/zpool.cache",
}

// minimalPackages is the reduced set installed instead of the server meta
// package when a minimal system is requested.
var minimalPackages = []string{
	"ubuntu-minimal",
	"openssh-server",
	"ca-certificates",
	"sudo",
	"netplan.io",
	"curl",
	"less",
	"vim-tiny",
}

// zfsPackages are required in the target regardless of the meta selection so
// the initramfs can import the pool.
var zfsPackages = []string{
	"zfsutils-linux",
	"zfs-initramfs",
	"dosfstools",
	"efibootmgr",
	"cryptsetup",
}

// Debootstrap materializes the minimal base system of the selected release
// onto the mounted root dataset.
func Debootstrap(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, target string) error {
	cmd := exec.Command("debootstrap", cfg.Release, target, cfg.Mirror)
	if err := runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("debootstrap of %s failed: %w", cfg.Release, err)
	}
	return nil
}

// WriteSources writes the full component/channel matrix so the immediate
// upgrade pulls current point-level packages before anything else installs.
func WriteSources(targetFs afero.Fs, cfg *config.InstallConfig) error {
	rendered, renderErr := utility.RenderTemplate(configFiles, "files/sources.list.tmpl", cfg)
	if renderErr != nil {
		return renderErr
	}
	return afero.WriteFile(targetFs, "/etc/apt/sources.list", rendered.Bytes(), 0644)
}

// CopyHostFiles copies the host-generated identifiers into the target.
// A missing zpool.cache is tolerated here; the finalizer verifies it exists
// before the initramfs is generated.
func CopyHostFiles(fileSystem afero.Fs, target string) error {
	for _, source := range hostFiles {
		exists, statErr := afero.Exists(fileSystem, source)
		if statErr != nil {
			return statErr
		}
		if !exists {
			continue
		}
		contents, readErr := afero.ReadFile(fileSystem, source)
		if readErr != nil {
			return readErr
		}
		destination := filepath.Join(target, source)
		if err := fileSystem.MkdirAll(filepath.Dir(destination), 0755); err != nil {
			return err
		}
		if err := afero.WriteFile(fileSystem, destination, contents, 0644); err != nil {
			return err
		}
	}
	return nil
}

// Upgrade brings the base image to the release's current point level before
// any further packages install, so nothing is fetched twice.
func Upgrade(ctx context.Context, runner utility.Runner, target string) error {
	if err := runner.Run(ctx, TargetCommand(target, "apt-get", "update")); err != nil {
		return fmt.Errorf("apt update in target failed: %w", err)
	}
	if err := runner.Run(ctx, TargetCommand(target, "apt-get", "-y", "full-upgrade")); err != nil {
		return fmt.Errorf("apt full-upgrade in target failed: %w", err)
	}
	return nil
}

// InstallPackages installs packages inside the target environment.
func InstallPackages(ctx context.Context, runner utility.Runner, target string, packages ...string) error {
	args := append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, packages...)
	return runner.Run(ctx, TargetCommand(target, args...))
}

// KernelPackage picks the kernel to install: the hardware enablement variant
// only for LTS releases when requested, standard otherwise. Availability in
// the mirror is probed first; an unavailable HWE variant falls back to the
// standard kernel with a warning rather than failing the run.
func KernelPackage(ctx context.Context, runner utility.Runner, logger *zap.Logger, cfg *config.InstallConfig, target string) string {
	const standard = "linux-generic"

	if !cfg.HWE {
		return standard
	}
	release := config.LookupRelease(cfg.Release)
	hwePackage, hasHWE := release.HWEKernelPackage()
	if !hasHWE {
		logger.Warn("HWE kernel requested for a non-LTS release, using the standard kernel",
			zap.String("release", release.Name))
		return standard
	}
	probe := TargetCommand(target, "apt-cache", "show", hwePackage)
	if _, probeErr := runner.Output(ctx, probe); probeErr != nil {
		logger.Warn("HWE kernel not available in mirror, falling back",
			zap.String("package", hwePackage), zap.Error(probeErr))
		return standard
	}
	return hwePackage
}

// InstallKernel installs the selected kernel plus the ZFS boot support
// packages.
func InstallKernel(ctx context.Context, runner utility.Runner, logger *zap.Logger, cfg *config.InstallConfig, target string) error {
	kernel := KernelPackage(ctx, runner, logger, cfg, target)
	packages := append([]string{kernel}, zfsPackages...)
	if err := InstallPackages(ctx, runner, target, packages...); err != nil {
		return fmt.Errorf("kernel installation failed: %w", err)
	}
	return nil
}

// MetaPackages returns the release-appropriate meta selection. Minimal
// substitutes the reduced set directly instead of installing a full meta
// package and trimming it afterwards.
func MetaPackages(cfg *config.InstallConfig) []string {
	if cfg.Minimal {
		return minimalPackages
	}
	if cfg.Desktop {
		return []string{"ubuntu-desktop"}
	}
	return []string{"ubuntu-server"}
}

// InstallMeta installs the meta package set for the configured installation
// type.
func InstallMeta(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, target string) error {
	if err := InstallPackages(ctx, runner, target, MetaPackages(cfg)...); err != nil {
		return fmt.Errorf("meta package installation failed: %w", err)
	}
	return nil
}

// InstallExtraDrivers runs the driver autoinstaller in the target when the
// optional driver flag is set. Failures degrade to a warning.
func InstallExtraDrivers(ctx context.Context, runner utility.Runner, logger *zap.Logger, cfg *config.InstallConfig, target string) {
	if !cfg.ExtraDrivers {
		return
	}
	if err := InstallPackages(ctx, runner, target, "ubuntu-drivers-common"); err != nil {
		logger.Warn("could not install the driver tool", zap.Error(err))
		return
	}
	if err := runner.Run(ctx, TargetCommand(target, "ubuntu-drivers", "autoinstall")); err != nil {
		logger.Warn("driver autoinstall failed", zap.Error(err))
	}
}
