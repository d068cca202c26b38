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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"strings"
	"text/template"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogPath is where every executed command and its output is appended.
const LogPath = "/var/log/ubuntu-zfs-root.log"

func WrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Panicf("could not close closer properly: %v", err)
	}
}

// NewLogger returns a logger that writes timestamped entries to logPath and
// mirrors warnings and above to stderr. Debug entries only reach the file
// when debug is set.
func NewLogger(logPath string, debug bool) (*zap.Logger, error) {
	fileLevel := zap.InfoLevel
	if debug {
		fileLevel = zap.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	fileSink, _, openErr := zap.Open(logPath)
	if openErr != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", logPath, openErr)
	}
	consoleSink, _, stderrErr := zap.Open("stderr")
	if stderrErr != nil {
		return nil, stderrErr
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), fileSink, fileLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), consoleSink, zap.WarnLevel),
	)

	return zap.New(core), nil
}

func RenderTemplate(fileSystem fs.FS, templatePath string, data any) (bytes.Buffer, error) {

	var buffer bytes.Buffer

	name := path.Base(templatePath)

	parsedTemplate, templateErr := template.New(name).ParseFS(fileSystem, templatePath)
	if templateErr != nil {
		return buffer, templateErr
	}
	if err := parsedTemplate.Execute(&buffer, data); err != nil {
		return buffer, err
	}
	return buffer, nil
}

// ConfirmDialog prompts on stdout and reads a single line answer. Only an
// explicit Y or y counts as confirmation.
func ConfirmDialog(format string, args ...any) bool {
	fmt.Printf(format, args...)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.TrimSpace(scanner.Text())
	return answer == "Y" || answer == "y"
}

func TrailingSlash(dir string) string {
	if strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}
