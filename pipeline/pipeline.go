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

// Package pipeline drives the installation as an ordered list of named
// stages. Stages run strictly sequentially and halt on the first failure,
// which triggers a best-effort release of mounts and the pool before the
// error is surfaced.
package pipeline

import (
	"context"
	"fmt"

	"github.com/Anonymo/ubuntu-zfs-root/boot"
	"github.com/Anonymo/ubuntu-zfs-root/cleanup"
	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/finalize"
	"github.com/Anonymo/ubuntu-zfs-root/install"
	"github.com/Anonymo/ubuntu-zfs-root/partition"
	"github.com/Anonymo/ubuntu-zfs-root/preflight"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/Anonymo/ubuntu-zfs-root/zpool"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Env carries everything a stage needs. Config and Creds are read-only once
// the pipeline starts; Creds lives only in memory and is never written out.
type Env struct {
	Config *config.InstallConfig
	Creds  *config.Credentials
	Runner utility.Runner
	Fs     afero.Fs
	Client *retryablehttp.Client
	Log    *zap.Logger
	Target string
}

func (e *Env) targetFs() afero.Fs {
	return afero.NewBasePathFs(e.Fs, e.Target)
}

// Stage is one step of the fixed installation sequence. Weight sizes its
// share of the progress bar relative to the other stages.
type Stage struct {
	Name   string
	Weight int
	Run    func(ctx context.Context, env *Env) error
}

// Progress is one update emitted by the driver before each stage and once on
// completion.
type Progress struct {
	Percent int
	Message string
}

// Stages returns the installation sequence for the given configuration. The
// order is fixed; the only variation is whether the secondary bootloader
// stage is present.
func Stages(cfg *config.InstallConfig) []Stage {
	stages := []Stage{
		{Name: "Preflight checks", Weight: 2, Run: runPreflight},
		{Name: "Partitioning disk", Weight: 5, Run: runDiskPrep},
		{Name: "Creating pool", Weight: 8, Run: runPoolCreate},
		{Name: "Installing base system", Weight: 55, Run: runBaseInstall},
		{Name: "Configuring swap", Weight: 2, Run: runSwap},
		{Name: "Installing boot manager", Weight: 10, Run: runBootPrimary},
	}
	if cfg.SecondaryBootloader {
		stages = append(stages, Stage{Name: "Installing secondary bootloader", Weight: 8, Run: runBootSecondary})
	}
	stages = append(stages, Stage{Name: "Finalizing system", Weight: 10, Run: runFinalize})
	return stages
}

// Run executes the stages in order, reporting progress on updates. The
// channel is closed when Run returns, success or not. On any stage failure
// the held resources are released before the error is returned; the release
// runs on a fresh context so a signal-cancelled run still unwinds.
func Run(ctx context.Context, env *Env, updates chan<- Progress) error {
	return run(ctx, env, Stages(env.Config), updates)
}

func run(ctx context.Context, env *Env, stages []Stage, updates chan<- Progress) error {
	defer close(updates)

	total := 0
	for _, stage := range stages {
		total += stage.Weight
	}

	done := 0
	for _, stage := range stages {
		updates <- Progress{Percent: done * 100 / total, Message: stage.Name}
		env.Log.Info("starting stage", zap.String("stage", stage.Name))
		if err := stage.Run(ctx, env); err != nil {
			env.Log.Error("stage failed", zap.String("stage", stage.Name), zap.Error(err))
			cleanup.ReleaseOnFailure(context.Background(), env.Runner, env.Log, env.Config, env.Target)
			return fmt.Errorf("%s: %w", stage.Name, err)
		}
		done += stage.Weight
	}

	updates <- Progress{Percent: 100, Message: "Installation complete"}
	return nil
}

func runPreflight(ctx context.Context, env *Env) error {
	report := preflight.Check(ctx, env.Runner, env.Fs, env.Log, env.Config)
	if report.Fatal() {
		return fmt.Errorf("installer must run as root")
	}
	for _, warning := range report.Warnings() {
		env.Log.Warn(warning)
	}
	return nil
}

func runDiskPrep(ctx context.Context, env *Env) error {
	state, inspectErr := partition.Inspect(ctx, env.Runner, env.Config.Disk)
	if inspectErr != nil {
		return inspectErr
	}
	if state.Dirty() {
		env.Log.Warn("disk carries existing partitions or pool labels, resetting first",
			zap.String("disk", env.Config.Disk))
		cleanup.Reset(ctx, env.Runner, env.Log, env.Config, env.Target)
	}
	if err := partition.Wipe(ctx, env.Runner, env.Config.Disk); err != nil {
		return err
	}
	if err := partition.Create(ctx, env.Runner, env.Config); err != nil {
		return err
	}
	return partition.Settle(ctx, env.Runner, env.Fs, env.Config)
}

func runPoolCreate(ctx context.Context, env *Env) error {
	if err := zpool.Create(ctx, env.Runner, env.Log, env.Config, env.Creds.Passphrase, env.Target); err != nil {
		return err
	}
	if err := zpool.CreateRootDatasets(ctx, env.Runner, env.Config); err != nil {
		return err
	}
	if err := zpool.Reimport(ctx, env.Runner, env.Config, env.Target, env.Creds.Passphrase); err != nil {
		return err
	}
	return zpool.CreateSystemDatasets(ctx, env.Runner, env.Config)
}

func runBaseInstall(ctx context.Context, env *Env) error {
	if err := install.Debootstrap(ctx, env.Runner, env.Config, env.Target); err != nil {
		return err
	}
	if err := install.WriteSources(env.targetFs(), env.Config); err != nil {
		return err
	}
	if err := install.CopyHostFiles(env.Fs, env.Target); err != nil {
		return err
	}
	if err := install.BindMounts(ctx, env.Runner, env.Fs, env.Target); err != nil {
		return err
	}
	if err := install.Upgrade(ctx, env.Runner, env.Target); err != nil {
		return err
	}
	if err := install.InstallKernel(ctx, env.Runner, env.Log, env.Config, env.Target); err != nil {
		return err
	}
	if err := install.InstallMeta(ctx, env.Runner, env.Config, env.Target); err != nil {
		return err
	}
	install.InstallExtraDrivers(ctx, env.Runner, env.Log, env.Config, env.Target)
	return nil
}

func runSwap(_ context.Context, env *Env) error {
	return finalize.EncryptedSwap(env.targetFs(), env.Config)
}

func runBootPrimary(ctx context.Context, env *Env) error {
	if err := boot.FormatESP(ctx, env.Runner, env.Config); err != nil {
		return err
	}
	uuid, uuidErr := boot.PartitionUUID(ctx, env.Runner, env.Config.BootPartition)
	if uuidErr != nil {
		return uuidErr
	}
	if err := boot.AppendFstab(env.targetFs(), uuid); err != nil {
		return err
	}
	if err := boot.MountESP(ctx, env.Runner, env.Fs, env.Config, env.Target); err != nil {
		return err
	}
	if err := boot.InstallZFSBootMenu(ctx, env.Client, env.Fs, env.Target); err != nil {
		return err
	}
	return boot.RegisterBootEntries(ctx, env.Runner, env.Config, env.Target)
}

func runBootSecondary(ctx context.Context, env *Env) error {
	return boot.InstallRefind(ctx, env.Runner, env.Client, env.Fs, env.Log, env.Config, env.Target)
}

func runFinalize(ctx context.Context, env *Env) error {
	targetFs := env.targetFs()
	if err := finalize.Hostname(targetFs, env.Config); err != nil {
		return err
	}
	if err := finalize.Locale(ctx, env.Runner, env.Config, env.Target); err != nil {
		return err
	}
	if err := finalize.Timezone(ctx, env.Runner, targetFs, env.Config, env.Target); err != nil {
		return err
	}
	if err := finalize.Network(targetFs, env.Config); err != nil {
		return err
	}
	if err := finalize.EnableGroups(ctx, env.Runner, env.Target); err != nil {
		return err
	}
	if err := finalize.CreateUser(ctx, env.Runner, env.Config, env.Creds, env.Target); err != nil {
		return err
	}
	if err := finalize.Sudoers(targetFs, env.Config); err != nil {
		return err
	}
	if err := finalize.Initramfs(ctx, env.Runner, env.Fs, env.Target); err != nil {
		return err
	}
	if err := finalize.LockRoot(ctx, env.Runner, env.Log, env.Target); err != nil {
		return err
	}
	return finalize.Release(ctx, env.Runner, env.Config, env.Target)
}
