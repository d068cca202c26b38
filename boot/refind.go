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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/install"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	refindDirectory = "EFI/refind"
	themeName       = "refind-theme-regular"
	themeURL        = "https://github.com/bobafetthotmail/refind-theme-regular/archive/refs/heads/master.tar.gz"

	// refind-install drops a kernel stanza file that would shadow the
	// chain-loaded boot manager; it has to go.
	generatedLinuxConf = "/boot/refind_linux.conf"
)

// chainloadEntries appended to refind.conf: both chain-load the primary boot
// manager binary, one straight into the default boot environment and one
// into its interactive menu.
const chainloadEntries = `
menuentry "ZFSBootMenu" {
    loader /EFI/ZBM/VMLINUZ.EFI
    options "zbm.skip"
}

menuentry "ZFSBootMenu (interactive)" {
    loader /EFI/ZBM/VMLINUZ.EFI
    options "zbm.show"
}
`

// InstallRefind layers the optional secondary boot menu over ZFSBootMenu.
// Each piece degrades independently with a warning; a failed theme must not
// abort an otherwise complete installation.
func InstallRefind(ctx context.Context, runner utility.Runner, client *retryablehttp.Client, fileSystem afero.Fs, logger *zap.Logger, cfg *config.InstallConfig, target string) error {
	if err := install.InstallPackages(ctx, runner, target, "refind"); err != nil {
		return fmt.Errorf("could not install refind package: %w", err)
	}
	if err := runner.Run(ctx, install.TargetCommand(target, "refind-install")); err != nil {
		return fmt.Errorf("refind-install failed: %w", err)
	}

	if err := fileSystem.Remove(filepath.Join(target, generatedLinuxConf)); err != nil && !isNotExist(err) {
		logger.Warn("could not remove generated refind_linux.conf", zap.Error(err))
	}

	if err := InstallTheme(ctx, client, fileSystem, target); err != nil {
		logger.Warn("theme installation failed, continuing without it", zap.Error(err))
	}

	if err := AppendChainload(fileSystem, target); err != nil {
		return fmt.Errorf("could not append chainload entries: %w", err)
	}
	return nil
}

// InstallTheme fetches the theme tarball and unpacks it under the rEFInd
// directory. Any previous installation of the theme is removed first so
// repeated runs do not accumulate duplicate menu decorations.
func InstallTheme(ctx context.Context, client *retryablehttp.Client, fileSystem afero.Fs, target string) error {
	themeRoot := filepath.Join(target, espMount, refindDirectory, "themes")
	destination := filepath.Join(themeRoot, themeName)

	if err := fileSystem.RemoveAll(destination); err != nil && !isNotExist(err) {
		return err
	}
	if err := fileSystem.MkdirAll(destination, 0755); err != nil {
		return err
	}

	request, requestErr := retryablehttp.NewRequestWithContext(ctx, "GET", themeURL, nil)
	if requestErr != nil {
		return requestErr
	}
	response, responseErr := client.Do(request)
	if responseErr != nil {
		return responseErr
	}
	defer utility.WrappedClose(response.Body)
	if response.StatusCode != 200 {
		return fmt.Errorf("unexpected status %d fetching theme", response.StatusCode)
	}

	if err := extractTar(fileSystem, response.Body, destination); err != nil {
		return fmt.Errorf("could not unpack theme: %w", err)
	}

	include := fmt.Sprintf("include themes/%s/theme.conf\n", themeName)
	return appendLine(fileSystem, refindConfPath(target), include)
}

// AppendChainload adds the two custom menu entries to refind.conf.
func AppendChainload(fileSystem afero.Fs, target string) error {
	return appendLine(fileSystem, refindConfPath(target), chainloadEntries)
}

func refindConfPath(target string) string {
	return filepath.Join(target, espMount, refindDirectory, "refind.conf")
}

// extractTar unpacks a gzip-compressed tarball, stripping the archive's top
// level directory the way release tarballs are laid out.
func extractTar(fileSystem afero.Fs, source io.Reader, destination string) error {
	decompressed, gzipErr := gzip.NewReader(source)
	if gzipErr != nil {
		return gzipErr
	}
	defer utility.WrappedClose(decompressed)

	archive := tar.NewReader(decompressed)
	for {
		header, nextErr := archive.Next()
		if nextErr == io.EOF {
			return nil
		}
		if nextErr != nil {
			return nextErr
		}

		name := stripTopLevel(header.Name)
		if name == "" {
			continue
		}
		if name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("archive entry %q escapes the destination", header.Name)
		}
		path := filepath.Join(destination, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fileSystem.MkdirAll(path, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := fileSystem.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			if err := afero.WriteReader(fileSystem, path, archive); err != nil {
				return err
			}
		}
	}
}

func stripTopLevel(name string) string {
	parts := strings.SplitN(filepath.Clean(name), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
