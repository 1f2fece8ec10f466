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

// pagefs is the offline tool for file system images: format, check, list,
// and dump, all against an image file standing in for the disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacobsa/pagefs/diskfs"
	"github.com/jacobsa/pagefs/kerntest"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pagefs",
		Short:         "Tools for pagefs disk images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newMkfsCmd())
	root.AddCommand(newFsckCmd())
	root.AddCommand(newLsCmd())
	root.AddCommand(newCatCmd())
	return root
}

// withImage opens the image and runs f over an engine serving it, using an
// in-process kernel for the page cache.
func withImage(path string, f func(fs *diskfs.FileSystem) error) error {
	disk, err := diskfs.OpenFileDisk(path)
	if err != nil {
		return err
	}
	defer disk.Close()

	k := kerntest.NewKernel()
	defer k.Close()

	fs := diskfs.New(k.NewEnv(), disk)
	if err := fs.Init(); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	return f(fs)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
