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

package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/spf13/afero"
)

// bindMounts are the virtual filesystems the target needs so commands can
// run inside it as if booted natively. Order matters on teardown, which is
// why the finalizer unmounts the whole target tree recursively instead.
var bindMounts = []struct {
	source  string
	fstype  string
	options []string
}{
	{source: "proc", fstype: "proc"},
	{source: "sys", fstype: "sysfs"},
	{source: "/dev", options: []string{"--rbind", "--make-rslave"}},
	{source: "devpts", fstype: "devpts"},
}

// TargetCommand builds a command that executes inside the target
// environment. Every stage after base installation uses this capability.
func TargetCommand(target string, args ...string) *exec.Cmd {
	prepend := append([]string{target}, args...)
	command := exec.Command("chroot", prepend...)
	command.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	return command
}

// BindMounts binds proc, sysfs, the device tree, and the pty multiplexer
// into the target.
func BindMounts(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, target string) error {
	mountPoints := map[string]string{
		"proc":   filepath.Join(target, "proc"),
		"sys":    filepath.Join(target, "sys"),
		"/dev":   filepath.Join(target, "dev"),
		"devpts": filepath.Join(target, "dev", "pts"),
	}

	for _, mount := range bindMounts {
		point := mountPoints[mount.source]
		if err := fileSystem.MkdirAll(point, 0755); err != nil {
			return err
		}

		args := []string{}
		if mount.fstype != "" {
			args = append(args, "-t", mount.fstype)
		}
		args = append(args, mount.options...)
		args = append(args, mount.source, point)

		if err := runner.Run(ctx, exec.Command("mount", args...)); err != nil {
			return fmt.Errorf("could not bind %s into target: %w", mount.source, err)
		}
	}
	return nil
}
