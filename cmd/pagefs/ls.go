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
	"github.com/jacobsa/pagefs/fsproto"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "List a directory within an image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirPath := "/"
			if len(args) == 2 {
				dirPath = args[1]
			}

			return withImage(args[0], func(fs *diskfs.FileSystem) error {
				return runLs(fs, dirPath)
			})
		},
	}
}

func runLs(fs *diskfs.FileSystem, dirPath string) error {
	dir, err := fs.Open(dirPath)
	if err != nil {
		return err
	}

	if !dir.IsDir() {
		return fmt.Errorf("%s: not a directory", dirPath)
	}

	nblocks := (dir.Size() + fsproto.BlockSize - 1) / fsproto.BlockSize
	for i := uint32(0); i < nblocks; i++ {
		blk, err := fs.GetBlock(dir, i)
		if err != nil {
			return err
		}

		for j := 0; j < fsproto.RecsPerBlock; j++ {
			rec := fsproto.ViewFileRec(blk, j*fsproto.FileRecSize)
			if !rec.InUse() {
				continue
			}

			kind := "-"
			if rec.Type() == fsproto.TypeDir {
				kind = "d"
			}

			fmt.Printf("%s %10d %s\n", kind, rec.Size(), rec.Name())
		}
	}

	return nil
}
