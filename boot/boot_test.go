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

package boot

import (
	"archive/tar"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bootConfig(t *testing.T) *config.InstallConfig {
	t.Helper()
	cfg := config.Defaults()
	require.NoError(t, cfg.SetDisk("/dev/sdx"))
	return cfg
}

func TestFormatESP(t *testing.T) {
	recorder := &utility.Recorder{}
	require.NoError(t, FormatESP(context.Background(), recorder, bootConfig(t)))

	require.Len(t, recorder.Calls, 1)
	assert.Equal(t, []string{"mkfs.vfat", "-F", "32", "-n", "EFI", "/dev/sdx1"}, recorder.Calls[0].Args)
}

func TestPartitionUUID(t *testing.T) {
	recorder := &utility.Recorder{Outputs: map[string][]byte{
		"blkid": []byte("ABCD-1234\n"),
	}}
	uuid, err := PartitionUUID(context.Background(), recorder, "/dev/sdx1")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", uuid)
}

func TestPartitionUUIDEmpty(t *testing.T) {
	recorder := &utility.Recorder{}
	_, err := PartitionUUID(context.Background(), recorder, "/dev/sdx1")
	assert.Error(t, err)
}

func TestAppendFstabUsesUUID(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte("# existing\n"), 0644))

	require.NoError(t, AppendFstab(fs, "ABCD-1234"))

	contents, _ := afero.ReadFile(fs, "/etc/fstab")
	fstab := string(contents)
	assert.Contains(t, fstab, "# existing\n")
	assert.Contains(t, fstab, "UUID=ABCD-1234 /boot/efi vfat defaults 0 0\n")
	assert.NotContains(t, fstab, "/dev/sdx1")
}

func TestAppendFstabCreatesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, AppendFstab(fs, "ABCD-1234"))

	contents, readErr := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, readErr)
	assert.Contains(t, string(contents), "UUID=ABCD-1234")
}

func TestRegisterBootEntries(t *testing.T) {
	recorder := &utility.Recorder{}
	require.NoError(t, RegisterBootEntries(context.Background(), recorder, bootConfig(t), "/mnt/install"))

	lines := recorder.CommandLines()
	require.Len(t, lines, 4)

	// efivarfs is scoped around the registrations
	assert.Contains(t, lines[0], "mount -t efivarfs")
	assert.Contains(t, lines[len(lines)-1], "umount /sys/firmware/efi/efivars")

	backup, primary := lines[1], lines[2]
	assert.Contains(t, backup, "-L ZFSBootMenu (Backup)")
	assert.Contains(t, backup, `-l \EFI\ZBM\VMLINUZ-BACKUP.EFI`)
	assert.Contains(t, primary, "-L ZFSBootMenu")
	assert.Contains(t, primary, `-l \EFI\ZBM\VMLINUZ.EFI`)
	for _, line := range []string{backup, primary} {
		assert.Contains(t, line, "chroot /mnt/install efibootmgr -c -d /dev/sdx -p 1")
	}
}

func TestAppendChainload(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, AppendChainload(fs, "/mnt/install"))

	contents, readErr := afero.ReadFile(fs, "/mnt/install/boot/efi/EFI/refind/refind.conf")
	require.NoError(t, readErr)
	conf := string(contents)

	assert.Equal(t, 2, strings.Count(conf, "loader /EFI/ZBM/VMLINUZ.EFI"))
	assert.Contains(t, conf, `options "zbm.skip"`)
	assert.Contains(t, conf, `options "zbm.show"`)
}

func themeTarball(t *testing.T, names ...string) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	compressor := gzip.NewWriter(buffer)
	archive := tar.NewWriter(compressor)
	for _, name := range names {
		require.NoError(t, archive.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     0,
		}))
	}
	require.NoError(t, archive.Close())
	require.NoError(t, compressor.Close())
	return buffer
}

func TestExtractTar(t *testing.T) {
	fs := afero.NewMemMapFs()
	tarball := themeTarball(t, "theme-master/theme.conf", "theme-master/icons/os_linux.png")

	require.NoError(t, extractTar(fs, tarball, "/themes/dest"))

	exists, _ := afero.Exists(fs, "/themes/dest/theme.conf")
	assert.True(t, exists)
	exists, _ = afero.Exists(fs, "/themes/dest/icons/os_linux.png")
	assert.True(t, exists)
}

func TestExtractTarRejectsEscapingEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	tarball := themeTarball(t, "theme-master/../../../evil.conf")

	err := extractTar(fs, tarball, "/themes/dest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the destination")

	exists, _ := afero.Exists(fs, "/evil.conf")
	assert.False(t, exists)
}

func TestStripTopLevel(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{input: "refind-theme-regular-master/theme.conf", expected: "theme.conf"},
		{input: "refind-theme-regular-master/icons/os_linux.png", expected: "icons/os_linux.png"},
		{input: "refind-theme-regular-master", expected: ""},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.expected, stripTopLevel(tt.input))
	}
}
