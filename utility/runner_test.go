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

package utility

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerAppendsCommandAndOutputToLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "install.log")
	logger, logErr := NewLogger(logPath, false)
	require.NoError(t, logErr)

	runner := NewExecRunner(logger)
	output, runErr := runner.Output(context.Background(), exec.Command("echo", "sentinel-output"))
	require.NoError(t, runErr)
	assert.Equal(t, "sentinel-output\n", string(output))

	_ = logger.Sync()
	contents, readErr := os.ReadFile(logPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(contents), "echo sentinel-output")
	assert.Contains(t, string(contents), "sentinel-output")
}

func TestExecRunnerRefusesCancelledContext(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "install.log")
	logger, logErr := NewLogger(logPath, false)
	require.NoError(t, logErr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	marker := filepath.Join(t.TempDir(), "marker")
	runner := NewExecRunner(logger)
	runErr := runner.Run(ctx, exec.Command("touch", marker))

	require.ErrorIs(t, runErr, context.Canceled)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}
