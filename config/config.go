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
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
)

// Partition indexes on the target disk. Declared exactly once; every stage
// that needs a partition path derives it from InstallConfig rather than
// re-stating the layout.
const (
	BootPartIndex = 1
	SwapPartIndex = 2
	DataPartIndex = 3
)

// InstallConfig carries every user-selected option plus the values derived
// from them. It is mutated only during configuration; once the pipeline
// starts every stage treats it as read-only.
type InstallConfig struct {
	Disk          string `toml:"disk"`
	BootPartition string `toml:"-"`
	SwapPartition string `toml:"-"`
	DataPartition string `toml:"-"`

	Release     string `toml:"release"`
	Hostname    string `toml:"hostname"`
	Username    string `toml:"username"`
	Locale      string `toml:"locale"`
	Timezone    string `toml:"timezone"`
	Mirror      string `toml:"mirror"`
	PoolName    string `toml:"pool"`
	RootDataset string `toml:"root_dataset"`

	Encrypt             bool `toml:"encrypt"`
	HWE                 bool `toml:"hwe"`
	Minimal             bool `toml:"minimal"`
	Desktop             bool `toml:"desktop"`
	PasswordlessSudo    bool `toml:"passwordless_sudo"`
	SecondaryBootloader bool `toml:"refind"`
	ExtraDrivers        bool `toml:"extra_drivers"`
	Debug               bool `toml:"debug"`

	SwapSize          datasize.ByteSize `toml:"-"`
	PoolCreateTimeout time.Duration     `toml:"-"`
}

// Credentials live in process memory for the lifetime of the run and are
// never serialized. The passphrase only ever leaves the process through the
// stdin pipe of the pool creation command.
type Credentials struct {
	UserPassword string
	Passphrase   string
}

func Defaults() *InstallConfig {
	return &InstallConfig{
		Release:           "noble",
		Hostname:          "ubuntu",
		Locale:            "en_US.UTF-8",
		Timezone:          "Etc/UTC",
		Mirror:            "http://archive.ubuntu.com/ubuntu",
		PoolName:          "rpool",
		RootDataset:       "ubuntu",
		PoolCreateTimeout: 180 * time.Second,
	}
}

// SetDisk resolves the target device and derives the three partition paths.
// The derivation happens exactly once per run: calling SetDisk again with a
// different device is an error, never a silent recompute.
func (c *InstallConfig) SetDisk(disk string) error {
	resolved, resolveErr := filepath.Abs(disk)
	if resolveErr != nil {
		return resolveErr
	}
	if c.Disk != "" && c.Disk != resolved {
		return fmt.Errorf("target disk already set to %s, refusing to switch to %s", c.Disk, resolved)
	}
	c.Disk = resolved
	c.BootPartition = PartitionPath(resolved, BootPartIndex)
	c.SwapPartition = PartitionPath(resolved, SwapPartIndex)
	c.DataPartition = PartitionPath(resolved, DataPartIndex)
	return nil
}

// PartitionPath appends the partition suffix for the device naming scheme:
// nvme0n1 and friends take a "p" separator, sdX styles do not.
func PartitionPath(disk string, index int) string {
	name := filepath.Base(disk)
	if strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "loop") {
		return fmt.Sprintf("%sp%d", disk, index)
	}
	return fmt.Sprintf("%s%d", disk, index)
}

// RootFilesystem is the dataset holding /, e.g. rpool/ROOT/ubuntu.
func (c *InstallConfig) RootFilesystem() string {
	return fmt.Sprintf("%s/ROOT/%s", c.PoolName, c.RootDataset)
}

// Validate is the final gate before the pipeline starts.
func (c *InstallConfig) Validate() error {
	if c.Disk == "" {
		return fmt.Errorf("no target disk selected")
	}
	if c.Hostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if c.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if c.PoolName == "" || c.RootDataset == "" {
		return fmt.Errorf("pool name and root dataset must not be empty")
	}
	return nil
}
