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

package tui

import (
	"fmt"
	"io"

	"github.com/Anonymo/ubuntu-zfs-root/pipeline"
)

// RenderProgress consumes pipeline updates until the channel closes, writing
// one line per update. It is the consumer half of the progress channel and
// must be joined before the caller inspects the pipeline result.
func RenderProgress(out io.Writer, updates <-chan pipeline.Progress) {
	for update := range updates {
		fmt.Fprintf(out, "[%3d%%] %s\n", update.Percent, update.Message)
	}
}
