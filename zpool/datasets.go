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

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
)

type dataset struct {
	name       string
	properties []string
}

func createDataset(ctx context.Context, runner utility.Runner, set dataset) error {
	args := []string{"create"}
	for _, property := range set.properties {
		args = append(args, "-o", property)
	}
	args = append(args, set.name)
	if err := runner.Run(ctx, zfsCommand(args...)); err != nil {
		return fmt.Errorf("could not create dataset %s: %w", set.name, err)
	}
	return nil
}

// CreateRootDatasets builds the container and root hierarchy right after
// pool creation: the non-mounted ROOT container, the root filesystem itself
// (not auto-mounted at import, the boot menu decides), and home. The bootfs
// pool property tells the boot manager which dataset to boot.
func CreateRootDatasets(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig) error {
	rootContainer := fmt.Sprintf("%s/ROOT", cfg.PoolName)

	sets := []dataset{
		{name: rootContainer, properties: []string{"canmount=off", "mountpoint=none"}},
		{name: cfg.RootFilesystem(), properties: []string{"canmount=noauto", "mountpoint=/"}},
		{name: fmt.Sprintf("%s/home", cfg.PoolName), properties: []string{"mountpoint=/home"}},
	}
	for _, set := range sets {
		if err := createDataset(ctx, runner, set); err != nil {
			return err
		}
	}

	setBootfs := zpoolCommand(ctx, "set", fmt.Sprintf("bootfs=%s", cfg.RootFilesystem()), cfg.PoolName)
	if err := runner.Run(ctx, setBootfs); err != nil {
		return fmt.Errorf("could not set bootfs: %w", err)
	}
	return nil
}

// CreateSystemDatasets carves the remaining tree after the reimport cycle:
// var, var/log (throughput biased and exempt from automatic snapshots),
// var/tmp, tmp, and srv as independent datasets so each can carry its own
// retention policy later.
func CreateSystemDatasets(ctx context.Context, runner utility.Runner, cfg *config.InstallConfig) error {
	pool := cfg.PoolName

	sets := []dataset{
		{name: fmt.Sprintf("%s/var", pool), properties: []string{"canmount=off", "mountpoint=/var"}},
		{name: fmt.Sprintf("%s/var/log", pool), properties: []string{"logbias=throughput", "com.sun:auto-snapshot=false"}},
		{name: fmt.Sprintf("%s/var/tmp", pool), properties: []string{"com.sun:auto-snapshot=false"}},
		{name: fmt.Sprintf("%s/tmp", pool), properties: []string{"mountpoint=/tmp", "com.sun:auto-snapshot=false"}},
		{name: fmt.Sprintf("%s/srv", pool), properties: []string{"mountpoint=/srv"}},
	}
	for _, set := range sets {
		if err := createDataset(ctx, runner, set); err != nil {
			return err
		}
	}
	return nil
}
