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

// Package cleanup unwinds disk state back to "unpartitioned". It recovers
// from partially failed runs whose exact state is unknown, so every step is
// best effort: correctness means the device ends with no recognizable pool
// or partition metadata, not that each individual command succeeds.
package cleanup

import (
	"context"
	"os/exec"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/Anonymo/ubuntu-zfs-root/zpool"
	"go.uber.org/zap"
)

// Reset tears down, in order: the mounted target tree, swap, the pool, then
// residual labels and signatures, finishing with a partition table re-read.
// Safe to run repeatedly.
func Reset(ctx context.Context, runner utility.Runner, logger *zap.Logger, cfg *config.InstallConfig, target string) {
	attempt := func(description string, err error) {
		if err != nil {
			logger.Debug("reset step failed, continuing",
				zap.String("command", description), zap.Error(err))
		}
	}
	run := func(cmd *exec.Cmd) {
		attempt(cmd.String(), runner.Run(ctx, cmd))
	}

	run(exec.Command("umount", "-R", target))
	run(exec.Command("swapoff", cfg.SwapPartition))
	run(exec.Command("zpool", "export", cfg.PoolName))
	run(exec.Command("zpool", "destroy", "-f", cfg.PoolName))
	for _, device := range []string{cfg.BootPartition, cfg.SwapPartition, cfg.DataPartition, cfg.Disk} {
		attempt("zpool labelclear -f "+device, zpool.LabelClear(ctx, runner, device))
	}
	run(exec.Command("wipefs", "-a", cfg.Disk))
	run(exec.Command("sgdisk", "--zap-all", cfg.Disk))
	run(exec.Command("partprobe", cfg.Disk))
}

// ReleaseOnFailure is the lighter unwind the pipeline runs after a fatal
// stage error: it only lets go of held resources (mounts and the pool)
// without touching on-disk state, so the operator can inspect or reset.
func ReleaseOnFailure(ctx context.Context, runner utility.Runner, logger *zap.Logger, cfg *config.InstallConfig, target string) {
	steps := []*exec.Cmd{
		exec.Command("umount", "-R", target),
		exec.Command("swapoff", cfg.SwapPartition),
		exec.Command("zpool", "export", cfg.PoolName),
	}
	for _, step := range steps {
		if err := runner.Run(ctx, step); err != nil {
			logger.Debug("release step failed, continuing",
				zap.String("command", step.String()), zap.Error(err))
		}
	}
}
