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
	"os"

	"github.com/spf13/cobra"

	"github.com/jacobsa/pagefs/diskfs"
	"github.com/jacobsa/pagefs/fsproto"
)

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "Write a file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(args[0], func(fs *diskfs.FileSystem) error {
				return runCat(fs, args[1])
			})
		},
	}
}

func runCat(fs *diskfs.FileSystem, filePath string) error {
	f, err := fs.Open(filePath)
	if err != nil {
		return err
	}

	if f.IsDir() {
		return fmt.Errorf("%s: is a directory", filePath)
	}

	zeros := make([]byte, fsproto.BlockSize)
	remaining := f.Size()

	for bno := uint32(0); remaining > 0; bno++ {
		n := remaining
		if n > fsproto.BlockSize {
			n = fsproto.BlockSize
		}

		// A hole from a lazily grown tail reads as zeros; don't let a dump
		// tool allocate blocks in the image.
		blk := zeros
		if _, err := fs.BlockNum(f, bno); err == nil {
			if blk, err = fs.GetBlock(f, bno); err != nil {
				return err
			}
		} else if err != fsproto.ENotFound {
			return err
		}

		if _, err := os.Stdout.Write(blk[:n]); err != nil {
			return err
		}

		remaining -= n
	}

	return nil
}
