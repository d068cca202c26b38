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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Anonymo/ubuntu-zfs-root/cleanup"
	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/partition"
	"github.com/Anonymo/ubuntu-zfs-root/pipeline"
	"github.com/Anonymo/ubuntu-zfs-root/telemetry"
	"github.com/Anonymo/ubuntu-zfs-root/tui"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const installTarget = "/mnt/install"

func main() {
	os.Exit(run())
}

func run() int {
	localFs := afero.NewOsFs()

	cfg, loadErr := config.Load(localFs, os.Args[1:], os.Getenv)
	if loadErr != nil {
		log.Printf("could not load configuration: %v", loadErr)
		return 1
	}

	logger, logErr := utility.NewLogger(utility.LogPath, cfg.Debug)
	if logErr != nil {
		log.Printf("could not open log file: %v", logErr)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	telemetryShutdown, telemetryErr := telemetry.Setup()
	if telemetryErr != nil {
		logger.Warn("telemetry disabled", zap.Error(telemetryErr))
	} else {
		defer telemetryShutdown()
	}

	runner := utility.NewExecRunner(logger)
	creds := &config.Credentials{}

	for {
		action, menuErr := tui.MainMenu()
		if menuErr != nil {
			logger.Error("menu failed", zap.Error(menuErr))
			return 1
		}

		switch action {
		case tui.ActionConfigure:
			if err := configure(cfg, runner); err != nil {
				logger.Error("configuration failed", zap.Error(err))
				fmt.Fprintf(os.Stderr, "Configuration failed: %v\n", err)
			}
		case tui.ActionInstall:
			if err := installSystem(cfg, creds, runner, localFs, logger); err != nil {
				logger.Error("installation failed", zap.Error(err))
				fmt.Fprintf(os.Stderr, "Installation failed: %v\nSee %s for details.\n", err, utility.LogPath)
				return 1
			}
			fmt.Println("Installation complete. Remove the installer medium and reboot.")
			return 0
		case tui.ActionReset:
			if err := resetDisk(cfg, runner, logger); err != nil {
				logger.Error("reset failed", zap.Error(err))
				fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
			}
		case tui.ActionQuit:
			return 0
		}
	}
}

func configure(cfg *config.InstallConfig, runner utility.Runner) error {
	disks, listErr := tui.ListDisks(context.Background(), runner)
	if listErr != nil {
		return listErr
	}
	return tui.ConfigForm(cfg, disks)
}

func installSystem(cfg *config.InstallConfig, creds *config.Credentials, runner utility.Runner, localFs afero.Fs, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := tui.PasswordForm(cfg, creds); err != nil {
		return err
	}

	// swap defaults to installed memory size when not set explicitly
	if cfg.SwapSize == 0 {
		memory, memErr := partition.DetectMemory(localFs)
		if memErr != nil {
			return fmt.Errorf("could not size swap from installed memory: %w", memErr)
		}
		cfg.SwapSize = memory
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.HTTPClient.Transport = otelhttp.NewTransport(http.DefaultTransport)

	env := &pipeline.Env{
		Config: cfg,
		Creds:  creds,
		Runner: runner,
		Fs:     localFs,
		Client: client,
		Log:    logger,
		Target: installTarget,
	}

	updates := make(chan pipeline.Progress)
	group := errgroup.Group{}
	group.Go(func() error {
		tui.RenderProgress(os.Stdout, updates)
		return nil
	})

	runErr := pipeline.Run(ctx, env, updates)
	if waitErr := group.Wait(); waitErr != nil {
		logger.Warn("progress renderer failed", zap.Error(waitErr))
	}
	return runErr
}

func resetDisk(cfg *config.InstallConfig, runner utility.Runner, logger *zap.Logger) error {
	if cfg.Disk == "" {
		return fmt.Errorf("select a disk first via Configure")
	}
	confirmed, confirmErr := tui.ConfirmReset(cfg.Disk)
	if confirmErr != nil {
		return confirmErr
	}
	if !confirmed {
		return nil
	}
	cleanup.Reset(context.Background(), runner, logger, cfg, installTarget)
	fmt.Printf("Disk %s returned to an unpartitioned state.\n", cfg.Disk)
	return nil
}
