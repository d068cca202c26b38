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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionPath(t *testing.T) {
	cases := []struct {
		disk     string
		index    int
		expected string
	}{
		{disk: "/dev/sda", index: 1, expected: "/dev/sda1"},
		{disk: "/dev/vdb", index: 3, expected: "/dev/vdb3"},
		{disk: "/dev/nvme0n1", index: 2, expected: "/dev/nvme0n1p2"},
		{disk: "/dev/mmcblk0", index: 1, expected: "/dev/mmcblk0p1"},
		{disk: "/dev/loop8", index: 3, expected: "/dev/loop8p3"},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.expected, PartitionPath(tt.disk, tt.index))
	}
}

func TestSetDiskDerivesDistinctPartitions(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.SetDisk("/dev/sdx"))

	assert.Equal(t, "/dev/sdx1", cfg.BootPartition)
	assert.Equal(t, "/dev/sdx2", cfg.SwapPartition)
	assert.Equal(t, "/dev/sdx3", cfg.DataPartition)
	assert.NotEqual(t, cfg.BootPartition, cfg.SwapPartition)
	assert.NotEqual(t, cfg.SwapPartition, cfg.DataPartition)
}

func TestSetDiskAssignOnce(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.SetDisk("/dev/sda"))

	// same device is fine, a different one is not
	assert.NoError(t, cfg.SetDisk("/dev/sda"))
	assert.Error(t, cfg.SetDisk("/dev/sdb"))
	assert.Equal(t, "/dev/sda3", cfg.DataPartition)
}

func TestRootFilesystem(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "rpool/ROOT/ubuntu", cfg.RootFilesystem())

	cfg.PoolName = "tank"
	cfg.RootDataset = "jammy"
	assert.Equal(t, "tank/ROOT/jammy", cfg.RootFilesystem())
}

func TestLoadLayering(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/uzr.toml", []byte("release = \"jammy\"\nencrypt = true\nhostname = \"filehost\"\n"), 0644))

	env := map[string]string{
		"UZR_HOSTNAME": "envhost",
	}
	getenv := func(key string) string { return env[key] }

	cfg, err := Load(fs, []string{"--config", "/etc/uzr.toml", "--release", "noble"}, getenv)
	require.NoError(t, err)

	// flag beats file, env beats file, file beats default
	assert.Equal(t, "noble", cfg.Release)
	assert.Equal(t, "envhost", cfg.Hostname)
	assert.True(t, cfg.Encrypt)
	assert.Equal(t, "rpool", cfg.PoolName)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Username = "ada"
	assert.Error(t, cfg.Validate(), "missing disk must fail validation")

	require.NoError(t, cfg.SetDisk("/dev/sda"))
	assert.NoError(t, cfg.Validate())
}
