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

package finalize

import (
	"context"
	"embed"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/install"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/Anonymo/ubuntu-zfs-root/zpool"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

//go:embed files/*
var configFiles embed.FS

// userGroups the created account joins.
var userGroups = []string{"adm", "cdrom", "dip", "plugdev", "sudo"}

type netplanData struct {
	Renderer string
	DHCP     bool
}

type sudoersData struct {
	Username     string
	Passwordless bool
}

// Hostname writes /etc/hostname and the matching hosts entry.
func Hostname(targetFs afero.Fs, cfg *config.InstallConfig) error {
	if err := afero.WriteFile(targetFs, "/etc/hostname", []byte(cfg.Hostname+"\n"), 0644); err != nil {
		return err
	}
	hosts := fmt.Sprintf("127.0.0.1 localhost\n127.0.1.1 %s\n", cfg.Hostname)
	return afero.WriteFile(targetFs, "/etc/hosts", []byte(hosts), 0644)
}

// Locale generates and sets the system locale inside the target.
func Locale(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, target string) error {
	if err := runner.Run(ctx, install.TargetCommand(target, "locale-gen", cfg.Locale)); err != nil {
		return err
	}
	return runner.Run(ctx, install.TargetCommand(target, "update-locale", fmt.Sprintf("LANG=%s", cfg.Locale)))
}

// Timezone points /etc/localtime at the zoneinfo entry and records the name.
func Timezone(ctx context.Context, runner utility.Runner, targetFs afero.Fs, cfg *config.InstallConfig, target string) error {
	zone := filepath.Join("/usr/share/zoneinfo", cfg.Timezone)
	link := install.TargetCommand(target, "ln", "-sf", zone, "/etc/localtime")
	if err := runner.Run(ctx, link); err != nil {
		return err
	}
	return afero.WriteFile(targetFs, "/etc/timezone", []byte(cfg.Timezone+"\n"), 0644)
}

// Network writes the declarative network configuration. Desktop installs
// hand interface management to NetworkManager; servers get the lightweight
// networkd renderer with DHCP on wired interfaces.
func Network(targetFs afero.Fs, cfg *config.InstallConfig) error {
	data := netplanData{Renderer: "networkd", DHCP: true}
	if cfg.Desktop {
		data = netplanData{Renderer: "NetworkManager"}
	}
	rendered, renderErr := utility.RenderTemplate(configFiles, "files/netplan.yaml.tmpl", data)
	if renderErr != nil {
		return renderErr
	}
	return afero.WriteFile(targetFs, "/etc/netplan/01-installer.yaml", rendered.Bytes(), 0600)
}

// CreateUser creates the account with skeleton files and group memberships,
// setting the collected password through a pipe, never an argument.
func CreateUser(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, creds *config.Credentials, target string) error {
	add := install.TargetCommand(target,
		"useradd", "-m", "-s", "/bin/bash",
		"-G", strings.Join(userGroups, ","),
		cfg.Username)
	if err := runner.Run(ctx, add); err != nil {
		return fmt.Errorf("could not create user %s: %w", cfg.Username, err)
	}

	setPassword := install.TargetCommand(target, "chpasswd")
	if err := runner.RunInput(ctx, setPassword, fmt.Sprintf("%s:%s\n", cfg.Username, creds.UserPassword)); err != nil {
		return fmt.Errorf("could not set password for %s: %w", cfg.Username, err)
	}
	return nil
}

// Sudoers writes a per-user policy file under sudoers.d; the shared system
// policy file is never edited.
func Sudoers(targetFs afero.Fs, cfg *config.InstallConfig) error {
	data := sudoersData{Username: cfg.Username, Passwordless: cfg.PasswordlessSudo}
	rendered, renderErr := utility.RenderTemplate(configFiles, "files/sudoers.tmpl", data)
	if renderErr != nil {
		return renderErr
	}
	path := filepath.Join("/etc/sudoers.d", cfg.Username)
	return afero.WriteFile(targetFs, path, rendered.Bytes(), 0440)
}

// EncryptedSwap configures the swap partition as an encrypted device keyed
// from a random source at every boot, regardless of whether the pool itself
// is encrypted. The key never persists, so swap content is unrecoverable
// across reboots and hibernation is permanently unsupported in this layout.
func EncryptedSwap(targetFs afero.Fs, cfg *config.InstallConfig) error {
	crypttab := fmt.Sprintf("swap %s /dev/urandom swap,cipher=aes-xts-plain64,size=512\n", cfg.SwapPartition)
	if err := appendLine(targetFs, "/etc/crypttab", crypttab); err != nil {
		return err
	}
	fstab := "/dev/mapper/swap none swap defaults 0 0\n"
	return appendLine(targetFs, "/etc/fstab", fstab)
}

func appendLine(fileSystem afero.Fs, path string, line string) error {
	existing, _ := afero.ReadFile(fileSystem, path)
	contents := string(existing)
	if contents != "" && !strings.HasSuffix(contents, "\n") {
		contents += "\n"
	}
	return afero.WriteFile(fileSystem, path, []byte(contents+line), 0644)
}

// Initramfs regenerates the boot-time image. The pool import cache has to be
// present in the target first: an in-initramfs import without it fails
// non-deterministically.
func Initramfs(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, target string) error {
	cache := filepath.Join(target, "etc", "zfs", "zpool.cache")
	exists, statErr := afero.Exists(fileSystem, cache)
	if statErr != nil {
		return statErr
	}
	if !exists {
		hostCache, readErr := afero.ReadFile(fileSystem, "/etc/zfs/zpool.cache")
		if readErr != nil {
			return fmt.Errorf("pool import cache missing from target and host: %w", readErr)
		}
		if err := fileSystem.MkdirAll(filepath.Dir(cache), 0755); err != nil {
			return err
		}
		if err := afero.WriteFile(fileSystem, cache, hostCache, 0644); err != nil {
			return err
		}
	}
	return runner.Run(ctx, install.TargetCommand(target, "update-initramfs", "-c", "-k", "all"))
}

// LockRoot disables the root password. Locking an already locked account is
// not an error.
func LockRoot(ctx context.Context, runner utility.Runner, logger *zap.Logger, target string) error {
	status, statusErr := runner.Output(ctx, install.TargetCommand(target, "passwd", "-S", "root"))
	if statusErr == nil {
		fields := strings.Fields(string(status))
		if len(fields) > 1 && fields[1] == "L" {
			logger.Debug("root account already locked")
			return nil
		}
	}
	return runner.Run(ctx, install.TargetCommand(target, "passwd", "-l", "root"))
}

// Release unmounts the target tree recursively and exports the pool. This is
// the single release point for everything acquired since disk provisioning.
func Release(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, target string) error {
	if err := runner.Run(ctx, exec.Command("umount", "-R", target)); err != nil {
		return fmt.Errorf("could not unmount target tree: %w", err)
	}
	if err := zpool.Export(ctx, runner, cfg.PoolName); err != nil {
		return fmt.Errorf("could not export pool: %w", err)
	}
	return nil
}

// EnableGroups makes sure the groups the user joins actually exist in the
// target; debootstrap's base set lacks some of them on minimal installs.
func EnableGroups(ctx context.Context, runner utility.Runner, target string) error {
	for _, group := range userGroups {
		add := install.TargetCommand(target, "groupadd", "-f", group)
		if err := runner.Run(ctx, add); err != nil {
			return fmt.Errorf("could not ensure group %s: %w", group, err)
		}
	}
	return nil
}
