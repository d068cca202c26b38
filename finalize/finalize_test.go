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

package finalize

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func finalizeConfig(t *testing.T) *config.InstallConfig {
	t.Helper()
	cfg := config.Defaults()
	cfg.Username = "ada"
	cfg.Hostname = "zfsbox"
	require.NoError(t, cfg.SetDisk("/dev/sdx"))
	return cfg
}

func TestHostname(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Hostname(fs, finalizeConfig(t)))

	hostname, _ := afero.ReadFile(fs, "/etc/hostname")
	assert.Equal(t, "zfsbox\n", string(hostname))

	hosts, _ := afero.ReadFile(fs, "/etc/hosts")
	assert.Contains(t, string(hosts), "127.0.1.1 zfsbox")
}

func TestNetworkRendererSelection(t *testing.T) {
	cfg := finalizeConfig(t)

	serverFs := afero.NewMemMapFs()
	require.NoError(t, Network(serverFs, cfg))
	serverPlan, _ := afero.ReadFile(serverFs, "/etc/netplan/01-installer.yaml")
	assert.Contains(t, string(serverPlan), "renderer: networkd")
	assert.Contains(t, string(serverPlan), "dhcp4: true")

	cfg.Desktop = true
	desktopFs := afero.NewMemMapFs()
	require.NoError(t, Network(desktopFs, cfg))
	desktopPlan, _ := afero.ReadFile(desktopFs, "/etc/netplan/01-installer.yaml")
	assert.Contains(t, string(desktopPlan), "renderer: NetworkManager")
	assert.NotContains(t, string(desktopPlan), "dhcp4")
}

func TestCreateUserPasswordOnStdin(t *testing.T) {
	cfg := finalizeConfig(t)
	creds := &config.Credentials{UserPassword: "s3cret"}
	recorder := &utility.Recorder{}

	require.NoError(t, CreateUser(context.Background(), recorder, cfg, creds, "/mnt/install"))

	require.Len(t, recorder.Calls, 2)
	useradd := strings.Join(recorder.Calls[0].Args, " ")
	assert.Contains(t, useradd, "useradd -m -s /bin/bash")
	assert.Contains(t, useradd, "adm,cdrom,dip,plugdev,sudo")
	assert.NotContains(t, useradd, "s3cret")

	chpasswd := recorder.Calls[1]
	assert.Equal(t, "ada:s3cret\n", chpasswd.Input)
	assert.NotContains(t, strings.Join(chpasswd.Args, " "), "s3cret")
}

func TestSudoersPolicy(t *testing.T) {
	cfg := finalizeConfig(t)

	fs := afero.NewMemMapFs()
	require.NoError(t, Sudoers(fs, cfg))
	policy, _ := afero.ReadFile(fs, "/etc/sudoers.d/ada")
	assert.Equal(t, "ada ALL=(ALL) ALL\n", string(policy))

	cfg.PasswordlessSudo = true
	passwordlessFs := afero.NewMemMapFs()
	require.NoError(t, Sudoers(passwordlessFs, cfg))
	policy, _ = afero.ReadFile(passwordlessFs, "/etc/sudoers.d/ada")
	assert.Equal(t, "ada ALL=(ALL) NOPASSWD:ALL\n", string(policy))
}

func TestEncryptedSwap(t *testing.T) {
	cfg := finalizeConfig(t)
	// swap stays randomly keyed even when the pool itself is unencrypted
	cfg.Encrypt = false
	fs := afero.NewMemMapFs()

	require.NoError(t, EncryptedSwap(fs, cfg))

	crypttab, _ := afero.ReadFile(fs, "/etc/crypttab")
	assert.Equal(t, "swap /dev/sdx2 /dev/urandom swap,cipher=aes-xts-plain64,size=512\n", string(crypttab))

	fstab, _ := afero.ReadFile(fs, "/etc/fstab")
	assert.Contains(t, string(fstab), "/dev/mapper/swap none swap defaults 0 0")
}

func TestInitramfsCopiesMissingCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/zfs/zpool.cache", []byte("cache-bytes"), 0644))

	recorder := &utility.Recorder{}
	require.NoError(t, Initramfs(context.Background(), recorder, fs, "/mnt/install"))

	copied, readErr := afero.ReadFile(fs, "/mnt/install/etc/zfs/zpool.cache")
	require.NoError(t, readErr)
	assert.Equal(t, "cache-bytes", string(copied))

	require.Len(t, recorder.Calls, 1)
	assert.Contains(t, strings.Join(recorder.Calls[0].Args, " "), "update-initramfs -c -k all")
}

func TestInitramfsFailsWithoutCacheAnywhere(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := Initramfs(context.Background(), &utility.Recorder{}, fs, "/mnt/install")
	assert.Error(t, err)
}

func TestLockRootIdempotent(t *testing.T) {
	// already locked: no lock command issued
	locked := &utility.Recorder{Hook: func(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
		if cmd.Args[len(cmd.Args)-2] == "-S" {
			return []byte("root L 2024-01-01 -1 -1 -1 -1\n"), nil
		}
		return nil, nil
	}}
	require.NoError(t, LockRoot(context.Background(), locked, zap.NewNop(), "/mnt/install"))
	assert.Len(t, locked.Calls, 1)

	// unlocked: passwd -l runs
	unlocked := &utility.Recorder{Hook: func(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
		if cmd.Args[len(cmd.Args)-2] == "-S" {
			return []byte("root P 2024-01-01 -1 -1 -1 -1\n"), nil
		}
		return nil, nil
	}}
	require.NoError(t, LockRoot(context.Background(), unlocked, zap.NewNop(), "/mnt/install"))
	require.Len(t, unlocked.Calls, 2)
	assert.Contains(t, strings.Join(unlocked.Calls[1].Args, " "), "passwd -l root")
}

func TestRelease(t *testing.T) {
	cfg := finalizeConfig(t)
	recorder := &utility.Recorder{}
	require.NoError(t, Release(context.Background(), recorder, cfg, "/mnt/install"))

	lines := recorder.CommandLines()
	require.Len(t, lines, 2)
	assert.Equal(t, "umount -R /mnt/install", lines[0])
	assert.Equal(t, "zpool export rpool", lines[1])
}
