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

	"github.com/detailyang/go-fallocate"
	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/jacobsa/pagefs/diskfs"
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

func newMkfsCmd() *cobra.Command {
	var nblocks uint32

	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Format a fresh file system image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMkfs(args[0], nblocks)
		},
	}

	cmd.Flags().Uint32Var(&nblocks, "blocks", 1024, "total number of blocks")
	return cmd
}

// runMkfs builds the image in a temp file and publishes it atomically, so a
// failed format never leaves a half-written image behind.
func runMkfs(path string, nblocks uint32) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	size := int64(nblocks) * fsproto.BlockSize
	if err := fallocate.Fallocate(t.File, 0, size); err != nil {
		return fmt.Errorf("preallocating %d bytes: %w", size, err)
	}

	disk := diskfs.NewFileDisk(t.File, nblocks*kern.SectorsPerPage)
	if err := diskfs.Format(disk, nblocks); err != nil {
		return err
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}

	fmt.Printf("formatted %s: %d blocks\n", path, nblocks)
	return nil
}
