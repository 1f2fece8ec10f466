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

package diskfs

import (
	"fmt"

	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

// Format writes a fresh, empty file system of nblocks blocks to the disk:
// a zeroed boot block, a superblock with an empty root directory, and a
// bitmap marking everything free except the reserved blocks. It works
// directly against the disk, so no kernel is needed.
func Format(disk kern.Disk, nblocks uint32) error {
	if nblocks > DiskMaxBytes/fsproto.BlockSize {
		return fmt.Errorf("%d blocks exceeds the cache window", nblocks)
	}

	nbitmap := (nblocks + fsproto.BitsPerBlock - 1) / fsproto.BitsPerBlock
	if nblocks < 2+nbitmap {
		return fmt.Errorf("%d blocks leaves no room for metadata", nblocks)
	}

	if uint64(nblocks)*kern.SectorsPerPage > uint64(disk.Sectors()) {
		return fmt.Errorf(
			"%d blocks need %d sectors; disk has %d",
			nblocks, nblocks*kern.SectorsPerPage, disk.Sectors())
	}

	writeBlock := func(blockno uint32, b []byte) error {
		return disk.WriteSectors(blockno*kern.SectorsPerPage, kern.SectorsPerPage, b)
	}

	// Boot block.
	blk := make([]byte, fsproto.BlockSize)
	if err := writeBlock(0, blk); err != nil {
		return err
	}

	// Superblock with the root directory embedded.
	super := fsproto.SuperView(blk)
	super.SetMagic(fsproto.Magic)
	super.SetNBlocks(nblocks)

	root := super.Root()
	root.SetName("/")
	root.SetType(fsproto.TypeDir)
	root.SetSize(0)

	if err := writeBlock(1, blk); err != nil {
		return err
	}

	// Bitmap: every block free, then knock out the reserved ones and any
	// trailing bits beyond the disk.
	for i := uint32(0); i < nbitmap; i++ {
		bm := make([]byte, fsproto.BlockSize)
		for j := range bm {
			bm[j] = 0xff
		}

		lo := i * fsproto.BitsPerBlock
		for bit := lo; bit < lo+fsproto.BitsPerBlock; bit++ {
			reserved := bit < 2+nbitmap
			if reserved || bit >= nblocks {
				bm[(bit-lo)/8] &^= 1 << (bit % 8)
			}
		}

		if err := writeBlock(2+i, bm); err != nil {
			return err
		}
	}

	return nil
}
