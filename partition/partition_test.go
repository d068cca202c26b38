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
	"context"
	"reflect"
	"testing"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSgdiskCommand(t *testing.T) {
	cases := []struct {
		input    []string
		expected []string
	}{
		{
			input:    []string{"/dev/sdx", "--zap-all"},
			expected: []string{"sgdisk", "--zap-all", "/dev/sdx"},
		},
		{
			input:    []string{"/dev/sdx", "-n1:1M:+512M", "-t1:EF00"},
			expected: []string{"sgdisk", "-n1:1M:+512M", "-t1:EF00", "/dev/sdx"},
		},
	}
	for index, tt := range cases {
		actual := sgdiskCommand(tt.input[0], tt.input[1:]...)
		if !reflect.DeepEqual(actual.Args, tt.expected) {
			t.Errorf("sgdiskCommand(%d): expected %v, actual %v", index, tt.expected, actual.Args)
		}
	}
}

func TestCreateLayout(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.SetDisk("/dev/sdx"))
	cfg.SwapSize = 16 * datasize.GB

	recorder := &utility.Recorder{}
	require.NoError(t, Create(context.Background(), recorder, cfg))

	lines := recorder.CommandLines()
	require.Len(t, lines, 3)
	assert.Equal(t, "sgdisk -n1:1M:+512M -t1:EF00 /dev/sdx", lines[0])
	assert.Equal(t, "sgdisk -n2:0:+16384M -t2:8200 /dev/sdx", lines[1])
	assert.Equal(t, "sgdisk -n3:0:-10M -t3:BF00 /dev/sdx", lines[2])
}

func TestCreateRequiresSwapSize(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.SetDisk("/dev/sdx"))

	err := Create(context.Background(), &utility.Recorder{}, cfg)
	assert.Error(t, err)
}

func TestDetectMemory(t *testing.T) {
	fs := afero.NewMemMapFs()
	meminfo := "MemTotal:       16384000 kB\nMemFree:         1024000 kB\n"
	require.NoError(t, afero.WriteFile(fs, "/proc/meminfo", []byte(meminfo), 0444))

	size, err := DetectMemory(fs)
	require.NoError(t, err)
	assert.Equal(t, uint64(16384000*1024), size.Bytes())
}

func TestDetectMemoryMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/meminfo", []byte("MemFree: 1 kB\n"), 0444))

	_, err := DetectMemory(fs)
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	cases := []struct {
		name     string
		output   string
		expected DiskState
	}{
		{
			name:     "clean disk",
			output:   `{"blockdevices": [{"name": "sdx", "fstype": null, "mountpoint": null}]}`,
			expected: DiskState{},
		},
		{
			name: "partitioned with pool",
			output: `{"blockdevices": [{"name": "sdx", "fstype": null, "mountpoint": null, "children": [
				{"name": "sdx1", "fstype": "vfat", "mountpoint": null},
				{"name": "sdx3", "fstype": "zfs_member", "mountpoint": null}]}]}`,
			expected: DiskState{HasPartitions: true, HasPool: true},
		},
		{
			name: "mounted partition",
			output: `{"blockdevices": [{"name": "sdx", "fstype": null, "mountpoint": null, "children": [
				{"name": "sdx1", "fstype": "ext4", "mountpoint": "/mnt"}]}]}`,
			expected: DiskState{HasPartitions: true, Mounted: true},
		},
	}
	for _, tt := range cases {
		recorder := &utility.Recorder{Outputs: map[string][]byte{"lsblk": []byte(tt.output)}}
		state, err := Inspect(context.Background(), recorder, "/dev/sdx")
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.expected, state, tt.name)
		assert.Equal(t, tt.expected.Dirty(), state.Dirty(), tt.name)
	}
}
