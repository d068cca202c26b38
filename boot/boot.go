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

package boot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/install"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
)

const (
	// espMount is where the EFI system partition lives inside the target.
	espMount = "/boot/efi"

	zbmReleaseURL = "https://get.zfsbootmenu.org/efi"
	zbmDirectory  = "EFI/ZBM"
	zbmBinary     = "VMLINUZ.EFI"
	zbmBackup     = "VMLINUZ-BACKUP.EFI"

	efivarsPath = "/sys/firmware/efi/efivars"
)

// FormatESP creates the FAT32 filesystem on the EFI system partition.
// Failure here is fatal: without a valid ESP nothing can boot.
func FormatESP(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig) error {
	format := exec.Command("mkfs.vfat", "-F", "32", "-n", "EFI", cfg.BootPartition)
	if err := runner.Run(ctx, format); err != nil {
		return fmt.Errorf("could not format EFI partition %s: %w", cfg.BootPartition, err)
	}
	return nil
}

// PartitionUUID reads the filesystem UUID off a partition.
func PartitionUUID(ctx context.Context, runner utility.Runner, device string) (string, error) {
	probe := exec.Command("blkid", "-s", "UUID", "-o", "value", device)
	output, probeErr := runner.Output(ctx, probe)
	if probeErr != nil {
		return "", fmt.Errorf("could not read UUID of %s: %w", device, probeErr)
	}
	uuid := strings.TrimSpace(string(output))
	if uuid == "" {
		return "", fmt.Errorf("device %s has no filesystem UUID", device)
	}
	return uuid, nil
}

// AppendFstab records the ESP in the target's mount table by UUID, never by
// device path: by-id symlinks can shift between boots.
func AppendFstab(targetFs afero.Fs, uuid string) error {
	entry := fmt.Sprintf("UUID=%s %s vfat defaults 0 0\n", uuid, espMount)
	return appendLine(targetFs, "/etc/fstab", entry)
}

func appendLine(fileSystem afero.Fs, path string, line string) error {
	existing, readErr := afero.ReadFile(fileSystem, path)
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return readErr
	}
	contents := string(existing)
	if contents != "" && !strings.HasSuffix(contents, "\n") {
		contents += "\n"
	}
	contents += line
	return afero.WriteFile(fileSystem, path, []byte(contents), 0644)
}

// MountESP mounts the formatted partition at the target's /boot/efi.
func MountESP(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, cfg *config.InstallConfig, target string) error {
	point := filepath.Join(target, espMount)
	if err := fileSystem.MkdirAll(point, 0755); err != nil {
		return err
	}
	return runner.Run(ctx, exec.Command("mount", cfg.BootPartition, point))
}

// InstallZFSBootMenu downloads the release EFI binary plus a backup copy
// into the ESP.
func InstallZFSBootMenu(ctx context.Context, client *retryablehttp.Client, fileSystem afero.Fs, target string) error {
	directory := filepath.Join(target, espMount, zbmDirectory)
	if err := fileSystem.MkdirAll(directory, 0755); err != nil {
		return err
	}

	primary := filepath.Join(directory, zbmBinary)
	if err := download(ctx, client, fileSystem, zbmReleaseURL, primary); err != nil {
		return fmt.Errorf("could not download boot manager: %w", err)
	}

	contents, readErr := afero.ReadFile(fileSystem, primary)
	if readErr != nil {
		return readErr
	}
	return afero.WriteFile(fileSystem, filepath.Join(directory, zbmBackup), contents, 0644)
}

func download(ctx context.Context, client *retryablehttp.Client, fileSystem afero.Fs, url string, destination string) error {
	request, requestErr := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if requestErr != nil {
		return requestErr
	}
	response, responseErr := client.Do(request)
	if responseErr != nil {
		return responseErr
	}
	defer utility.WrappedClose(response.Body)

	if response.StatusCode != 200 {
		return fmt.Errorf("unexpected status %d fetching %s", response.StatusCode, url)
	}
	return afero.WriteReader(fileSystem, destination, response.Body)
}

// RegisterBootEntries creates the primary and backup firmware entries
// pointing at the boot manager binaries. It runs inside the target
// environment, with firmware variable access mounted only for the duration
// of the calls.
func RegisterBootEntries(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, target string) error {
	mount := install.TargetCommand(target, "mount", "-t", "efivarfs", "efivarfs", efivarsPath)
	if err := runner.Run(ctx, mount); err != nil {
		return fmt.Errorf("could not mount efivarfs in target: %w", err)
	}
	defer func() {
		_ = runner.Run(ctx, install.TargetCommand(target, "umount", efivarsPath))
	}()

	entries := []struct {
		label  string
		binary string
	}{
		{label: "ZFSBootMenu (Backup)", binary: zbmBackup},
		{label: "ZFSBootMenu", binary: zbmBinary},
	}
	for _, entry := range entries {
		loader := "\\" + strings.ReplaceAll(filepath.Join(zbmDirectory, entry.binary), "/", "\\")
		register := install.TargetCommand(target,
			"efibootmgr", "-c",
			"-d", cfg.Disk,
			"-p", strconv.Itoa(config.BootPartIndex),
			"-L", entry.label,
			"-l", loader)
		if err := runner.Run(ctx, register); err != nil {
			return fmt.Errorf("could not register boot entry %q: %w", entry.label, err)
		}
	}
	return nil
}
