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

package zpool

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"go.uber.org/zap"
)

func zpoolCommand(ctx context.Context, options ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "zpool", options...)
}

func zfsCommand(options ...string) *exec.Cmd {
	return exec.Command("zfs", options...)
}

// createArgs assembles the zpool create invocation. Tuning properties are
// fixed; the compatibility pin only applies to releases shipping OpenZFS 2.1
// tools, and encryption properties are added when a passphrase will be piped
// in.
func createArgs(cfg *config.InstallConfig, altroot string) []string {
	args := []string{
		"create", "-f",
		"-o", "ashift=12",
		"-o", "autotrim=on",
	}
	if config.LookupRelease(cfg.Release).NeedsPoolCompat() {
		args = append(args, "-o", fmt.Sprintf("compatibility=%s", config.PoolCompatibility))
	}
	args = append(args,
		"-O", "compression=lz4",
		"-O", "acltype=posixacl",
		"-O", "xattr=sa",
		"-O", "relatime=on",
		"-O", "normalization=formD",
		"-O", "mountpoint=none",
		"-O", "canmount=off",
	)
	if cfg.Encrypt {
		args = append(args,
			"-O", "encryption=aes-256-gcm",
			"-O", "keyformat=passphrase",
			"-O", "keylocation=prompt",
		)
	}
	args = append(args, "-R", altroot, cfg.PoolName, cfg.DataPartition)
	return args
}

// Create builds the root pool on the data partition. The operation is
// wall-clock bounded: pool creation is the step most prone to hanging on
// unsettled devices or stale labels, so on timeout or failure a diagnostics
// snapshot is captured before the fatal error is returned. The encryption
// passphrase travels only through the command's stdin pipe.
func Create(ctx context.Context, runner utility.Runner, logger *zap.Logger, cfg *config.InstallConfig, passphrase string, altroot string) error {
	timeout := cfg.PoolCreateTimeout
	if timeout == 0 {
		timeout = 180 * time.Second
	}
	createCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	create := zpoolCommand(createCtx, createArgs(cfg, altroot)...)

	var createErr error
	if cfg.Encrypt {
		if passphrase == "" {
			return fmt.Errorf("encryption requested but no passphrase collected")
		}
		createErr = runner.RunInput(createCtx, create, passphrase+"\n"+passphrase+"\n")
	} else {
		createErr = runner.Run(createCtx, create)
	}

	if createErr != nil {
		diagnostics := Diagnose(ctx, runner, cfg.PoolName)
		logger.Error("pool creation failed",
			zap.Error(createErr),
			zap.String("diagnostics", diagnostics))
		if createCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("pool creation exceeded %s: %w", timeout, createErr)
		}
		return fmt.Errorf("pool creation failed: %w", createErr)
	}
	return nil
}

// Diagnose collects the device listing, pool status, and recent kernel
// messages. Collection is best effort; whatever succeeds is included.
func Diagnose(ctx context.Context, runner utility.Runner, pool string) string {
	snapshot := ""
	probes := []*exec.Cmd{
		exec.Command("lsblk", "-o", "NAME,SIZE,FSTYPE,MOUNTPOINT"),
		zpoolCommand(ctx, "status", pool),
		exec.Command("dmesg", "--ctime", "--level", "err,warn"),
	}
	for _, probe := range probes {
		output, probeErr := runner.Output(ctx, probe)
		snapshot += fmt.Sprintf("--- %s ---\n", probe.String())
		if probeErr != nil {
			snapshot += fmt.Sprintf("probe failed: %v\n", probeErr)
		}
		snapshot += string(output) + "\n"
	}
	return snapshot
}

// Export releases the pool from the live environment.
func Export(ctx context.Context, runner utility.Runner, pool string) error {
	return runner.Run(ctx, zpoolCommand(ctx, "export", pool))
}

// Reimport exports and re-imports the pool with the mount root switched to
// the installation target, then mounts the root filesystem. This has to
// happen between root dataset creation and population: a plain import would
// hang every dataset under the live session's own root.
func Reimport(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig, target string, passphrase string) error {
	if err := Export(ctx, runner, cfg.PoolName); err != nil {
		return fmt.Errorf("could not export %s before reimport: %w", cfg.PoolName, err)
	}
	if err := runner.Run(ctx, zpoolCommand(ctx, "import", "-N", "-R", target, cfg.PoolName)); err != nil {
		return fmt.Errorf("could not import %s at %s: %w", cfg.PoolName, target, err)
	}
	if cfg.Encrypt {
		load := zfsCommand("load-key", cfg.PoolName)
		if err := runner.RunInput(ctx, load, passphrase+"\n"); err != nil {
			return fmt.Errorf("could not load pool key: %w", err)
		}
	}
	if err := runner.Run(ctx, zfsCommand("mount", cfg.RootFilesystem())); err != nil {
		return fmt.Errorf("could not mount root dataset: %w", err)
	}
	if err := runner.Run(ctx, zfsCommand("mount", "-a")); err != nil {
		return fmt.Errorf("could not mount remaining datasets: %w", err)
	}
	return nil
}

// LabelClear removes residual pool labels from a device; used by the reset
// path and tolerated to fail there.
func LabelClear(ctx context.Context, runner utility.Runner, device string) error {
	return runner.Run(ctx, zpoolCommand(ctx, "labelclear", "-f", device))
}
