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

package partition

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
)

const (
	// espSize is the fixed EFI system partition size.
	espSize = 512 * datasize.MB
	// trailingGap reserved at the end of the disk for alignment/metadata.
	trailingGap = 10 * datasize.MB
	// settleTimeout bounds the wait for partition device nodes to appear.
	settleTimeout = 10 * time.Second

	typeESP  = "EF00"
	typeSwap = "8200"
	typeZFS  = "BF00"
)

// DiskState is what the provisioner observes on the device before touching
// it. It is read, never owned.
type DiskState struct {
	HasPartitions bool
	HasPool       bool
	Mounted       bool
}

func (s DiskState) Dirty() bool {
	return s.HasPartitions || s.HasPool || s.Mounted
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	FSType     string        `json:"fstype"`
	MountPoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

func sgdiskCommand(device string, options ...string) *exec.Cmd {
	args := append(options, device)
	return exec.Command("sgdisk", args...)
}

func mebibytes(size datasize.ByteSize) uint64 {
	return size.Bytes() / datasize.MB.Bytes()
}

// Inspect reports whether the device carries a partition table, pool labels,
// or mounted filesystems, to decide whether a reset is required first.
func Inspect(ctx context.Context, runner utility.Runner, device string) (DiskState, error) {
	listCommand := exec.Command("lsblk", "-J", "-o", "NAME,FSTYPE,MOUNTPOINT", device)
	output, listErr := runner.Output(ctx, listCommand)
	if listErr != nil {
		return DiskState{}, listErr
	}

	parsed := lsblkOutput{}
	if err := json.Unmarshal(output, &parsed); err != nil {
		return DiskState{}, fmt.Errorf("could not parse lsblk output: %w", err)
	}

	state := DiskState{}
	for _, entry := range parsed.BlockDevices {
		state.merge(entry, true)
	}
	return state, nil
}

func (s *DiskState) merge(device lsblkDevice, root bool) {
	if !root {
		s.HasPartitions = true
	}
	if device.FSType == "zfs_member" {
		s.HasPool = true
	}
	if device.MountPoint != "" {
		s.Mounted = true
	}
	for _, child := range device.Children {
		s.merge(child, false)
	}
}

// Wipe destroys every signature and the partition table on the device.
func Wipe(ctx context.Context, runner utility.Runner, device string) error {
	if err := runner.Run(ctx, exec.Command("wipefs", "-a", device)); err != nil {
		return fmt.Errorf("could not wipe signatures on %s: %w", device, err)
	}
	if err := runner.Run(ctx, sgdiskCommand(device, "--zap-all")); err != nil {
		return fmt.Errorf("could not zap partition table on %s: %w", device, err)
	}
	return nil
}

// Create lays out the fixed three partition scheme: EFI system partition,
// swap sized to physical memory, and the remainder (minus a trailing gap)
// for the pool. Any failure here is fatal to the run because every later
// stage assumes exactly this layout.
func Create(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig) error {
	swapSize := cfg.SwapSize
	if swapSize == 0 {
		return fmt.Errorf("swap size has not been computed")
	}

	steps := []*exec.Cmd{
		sgdiskCommand(cfg.Disk,
			fmt.Sprintf("-n%d:1M:+%dM", config.BootPartIndex, mebibytes(espSize)),
			fmt.Sprintf("-t%d:%s", config.BootPartIndex, typeESP)),
		sgdiskCommand(cfg.Disk,
			fmt.Sprintf("-n%d:0:+%dM", config.SwapPartIndex, mebibytes(swapSize)),
			fmt.Sprintf("-t%d:%s", config.SwapPartIndex, typeSwap)),
		sgdiskCommand(cfg.Disk,
			fmt.Sprintf("-n%d:0:-%dM", config.DataPartIndex, mebibytes(trailingGap)),
			fmt.Sprintf("-t%d:%s", config.DataPartIndex, typeZFS)),
	}
	for _, step := range steps {
		if err := runner.Run(ctx, step); err != nil {
			return fmt.Errorf("partitioning %s failed: %w", cfg.Disk, err)
		}
	}
	return nil
}

// Settle re-reads the partition table and waits, bounded, for the three
// partition device nodes to exist before any stage uses them.
func Settle(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, cfg *config.InstallConfig) error {
	if err := runner.Run(ctx, exec.Command("partprobe", cfg.Disk)); err != nil {
		return err
	}
	if err := runner.Run(ctx, exec.Command("udevadm", "settle", "--timeout", "10")); err != nil {
		return err
	}

	deadline := time.Now().Add(settleTimeout)
	nodes := []string{cfg.BootPartition, cfg.SwapPartition, cfg.DataPartition}
	for {
		missing := ""
		for _, node := range nodes {
			exists, statErr := afero.Exists(fileSystem, node)
			if statErr != nil {
				return statErr
			}
			if !exists {
				missing = node
				break
			}
		}
		if missing == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("partition device %s did not appear within %s", missing, settleTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// DetectMemory reads MemTotal from /proc/meminfo; the swap partition is sized
// to match physical memory by default.
func DetectMemory(fileSystem afero.Fs) (datasize.ByteSize, error) {
	meminfo, openErr := fileSystem.Open("/proc/meminfo")
	if openErr != nil {
		return 0, openErr
	}
	defer utility.WrappedClose(meminfo)

	scanner := bufio.NewScanner(meminfo)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return 0, fmt.Errorf("unexpected meminfo line: %q", line)
		}
		size, parseErr := datasize.Parse([]byte(fields[1] + fields[2]))
		if parseErr != nil {
			return 0, parseErr
		}
		return size, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not present in meminfo")
}
