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

package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/c2h5oh/datasize"
	"github.com/charmbracelet/huh"
)

var (
	noDisksErr      = errors.New("no whole disks found")
	hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
)

// Disk is one whole-disk candidate offered for installation.
type Disk struct {
	Path  string
	Size  datasize.ByteSize
	Model string
}

func (d Disk) Label() string {
	model := d.Model
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s (%s, %s)", d.Path, d.Size.HumanReadable(), model)
}

type lsblkDiskEntry struct {
	Name  string `json:"name"`
	Size  uint64 `json:"size"`
	Model string `json:"model"`
	Type  string `json:"type"`
}

type lsblkDiskReport struct {
	BlockDevices []lsblkDiskEntry `json:"blockdevices"`
}

// ListDisks enumerates whole disks on the host, skipping partitions and
// loop/rom devices.
func ListDisks(ctx context.Context, runner utility.Runner) ([]Disk, error) {
	cmd := exec.Command("lsblk", "--json", "--bytes", "--nodeps", "--output", "NAME,SIZE,MODEL,TYPE")
	raw, err := runner.Output(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("could not list block devices: %w", err)
	}
	report := lsblkDiskReport{}
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("could not parse lsblk output: %w", err)
	}
	disks := []Disk{}
	for _, entry := range report.BlockDevices {
		if entry.Type != "disk" {
			continue
		}
		disks = append(disks, Disk{
			Path:  "/dev/" + entry.Name,
			Size:  datasize.ByteSize(entry.Size),
			Model: strings.TrimSpace(entry.Model),
		})
	}
	if len(disks) == 0 {
		return nil, noDisksErr
	}
	return disks, nil
}

func validateHostname(value string) error {
	if value == "" || len(value) > 63 || !hostnamePattern.MatchString(value) {
		return errors.New("hostname must be lowercase letters, digits and hyphens")
	}
	return nil
}

func validateUsername(value string) error {
	if value == "" || len(value) > 32 || !usernamePattern.MatchString(value) {
		return errors.New("username must start with a letter and use lowercase letters, digits, - or _")
	}
	return nil
}

func diskOptions(disks []Disk) []huh.Option[string] {
	options := make([]huh.Option[string], 0, len(disks))
	for _, disk := range disks {
		options = append(options, huh.NewOption(disk.Label(), disk.Path))
	}
	return options
}

func releaseOptions() []huh.Option[string] {
	options := []huh.Option[string]{}
	for _, release := range config.SupportedReleases() {
		label := fmt.Sprintf("%s (%s)", release.Name, release.Version)
		if release.LTS {
			label += " LTS"
		}
		options = append(options, huh.NewOption(label, release.Name))
	}
	return options
}

// ConfigForm walks the operator through the installation settings and
// applies them to cfg. The disk is applied through SetDisk so the derived
// partition paths are computed exactly once.
func ConfigForm(cfg *config.InstallConfig, disks []Disk) error {
	disk := cfg.Disk
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Installation disk").
				Description("The selected disk will be wiped completely.").
				Options(diskOptions(disks)...).
				Value(&disk),
			huh.NewSelect[string]().
				Title("Ubuntu release").
				Options(releaseOptions()...).
				Value(&cfg.Release),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Hostname").
				Placeholder("ubuntu").
				Validate(validateHostname).
				Value(&cfg.Hostname),
			huh.NewInput().
				Title("Username").
				Placeholder("ubuntu").
				Validate(validateUsername).
				Value(&cfg.Username),
			huh.NewInput().
				Title("Locale").
				Placeholder("en_US.UTF-8").
				Value(&cfg.Locale),
			huh.NewInput().
				Title("Timezone").
				Placeholder("Etc/UTC").
				Value(&cfg.Timezone),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Encrypt the pool?").
				Description("Native ZFS encryption; a passphrase is asked for at every boot.").
				Value(&cfg.Encrypt),
			huh.NewConfirm().
				Title("Desktop system?").
				Value(&cfg.Desktop),
			huh.NewConfirm().
				Title("Minimal package set?").
				Value(&cfg.Minimal),
			huh.NewConfirm().
				Title("Hardware enablement kernel?").
				Description("Only applies to long-term-support releases.").
				Value(&cfg.HWE),
			huh.NewConfirm().
				Title("Extra hardware drivers?").
				Value(&cfg.ExtraDrivers),
			huh.NewConfirm().
				Title("Passwordless sudo?").
				Value(&cfg.PasswordlessSudo),
			huh.NewConfirm().
				Title("Install rEFInd as secondary bootloader?").
				Value(&cfg.SecondaryBootloader),
		),
	).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil {
		return err
	}
	return cfg.SetDisk(disk)
}

// PasswordForm collects the account password and, when encryption is on, the
// pool passphrase. Both stay in memory only; nothing here is written to disk.
func PasswordForm(cfg *config.InstallConfig, creds *config.Credentials) error {
	confirmPassword := ""
	confirmPassphrase := ""
	groups := []*huh.Group{
		huh.NewGroup(
			huh.NewInput().
				Title("User password").
				EchoMode(huh.EchoModePassword).
				Validate(func(value string) error {
					if value == "" {
						return errors.New("password must not be empty")
					}
					return nil
				}).
				Value(&creds.UserPassword),
			huh.NewInput().
				Title("Confirm password").
				EchoMode(huh.EchoModePassword).
				Value(&confirmPassword),
		),
	}
	if cfg.Encrypt {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("Pool passphrase").
				Description("Asked for at every boot to unlock the root pool.").
				EchoMode(huh.EchoModePassword).
				Validate(func(value string) error {
					if len(value) < 8 {
						return errors.New("passphrase must be at least 8 characters")
					}
					return nil
				}).
				Value(&creds.Passphrase),
			huh.NewInput().
				Title("Confirm passphrase").
				EchoMode(huh.EchoModePassword).
				Value(&confirmPassphrase),
		))
	}
	if err := huh.NewForm(groups...).WithTheme(huh.ThemeCharm()).Run(); err != nil {
		return err
	}
	if creds.UserPassword != confirmPassword {
		return errors.New("passwords do not match")
	}
	if cfg.Encrypt && creds.Passphrase != confirmPassphrase {
		return errors.New("passphrases do not match")
	}
	return nil
}
