// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacobsa/pagefs/diskfs"
)

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck <image>",
		Short: "Check an image against the structural invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk, err := diskfs.OpenFileDisk(args[0])
			if err != nil {
				return err
			}
			defer disk.Close()

			stats, err := diskfs.Check(disk)
			if err != nil {
				return err
			}

			fmt.Printf(
				"%s: clean: %d files, %d dirs, %d blocks referenced\n",
				args[0], stats.Files, stats.Dirs, stats.UsedBlocks)
			return nil
		},
	}
}
