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

// Standalone disk unwind for when an installation attempt left partitions,
// pool labels or mounts behind and the interactive installer is not wanted.
package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/Anonymo/ubuntu-zfs-root/cleanup"
	"github.com/Anonymo/ubuntu-zfs-root/config"
	"github.com/Anonymo/ubuntu-zfs-root/utility"
	flag "github.com/spf13/pflag"
)

func main() {
	disk := flag.StringP("disk", "d", "", "block device to return to an unpartitioned state")
	pool := flag.StringP("pool", "p", "rpool", "pool name whose labels should be cleared")
	target := flag.StringP("target", "t", "/mnt/install", "mount point a previous run may have left behind")
	yes := flag.BoolP("yes", "y", false, "skip the confirmation prompt")
	flag.Parse()

	if *disk == "" || !strings.HasPrefix(*disk, "/dev/") {
		log.Fatal("you must specify a valid block device with --disk")
	}

	if !*yes {
		answer := utility.ConfirmDialog("destroy all partitions and pool labels on %s: [Y/n]: ", *disk)
		if !answer {
			fmt.Println("nope")
			return
		}
	}

	logger, logErr := utility.NewLogger(utility.LogPath, false)
	if logErr != nil {
		log.Fatalf("could not open log file: %v", logErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := config.Defaults()
	cfg.PoolName = *pool
	if err := cfg.SetDisk(*disk); err != nil {
		log.Fatalf("could not use disk %s: %v", *disk, err)
	}

	runner := utility.NewExecRunner(logger)
	cleanup.Reset(context.Background(), runner, logger, cfg, *target)
	fmt.Printf("disk %s returned to an unpartitioned state\n", *disk)
}
