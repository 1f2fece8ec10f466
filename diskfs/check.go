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
	"encoding/binary"
	"fmt"
	"path"

	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

// CheckStats summarizes a successful Check pass.
type CheckStats struct {
	Files      int
	Dirs       int
	UsedBlocks int
}

// Check validates an unmounted file system image against the structural
// invariants: the reserved blocks are marked in-use, every block referenced
// from the tree is marked in-use and referenced exactly once, directory
// sizes are multiples of the record size, and no reference leaves the disk.
// It reads the disk directly, without a kernel or a cache.
func Check(disk kern.Disk) (CheckStats, error) {
	var stats CheckStats
	c := &checker{disk: disk, owner: make(map[uint32]string)}

	blk, err := c.readBlock(1)
	if err != nil {
		return stats, err
	}

	super := fsproto.SuperView(blk)
	if super.Magic() != fsproto.Magic {
		return stats, fmt.Errorf("bad magic %#x", super.Magic())
	}

	c.nblocks = super.NBlocks()
	if c.nblocks > DiskMaxBytes/fsproto.BlockSize {
		return stats, fmt.Errorf("block count %d exceeds the cache window", c.nblocks)
	}

	nbitmap := (c.nblocks + fsproto.BitsPerBlock - 1) / fsproto.BitsPerBlock
	c.bitmap = make([]byte, 0, nbitmap*fsproto.BlockSize)
	for i := uint32(0); i < nbitmap; i++ {
		bm, err := c.readBlock(2 + i)
		if err != nil {
			return stats, err
		}

		c.bitmap = append(c.bitmap, bm...)
	}

	for i := uint32(0); i < 2+nbitmap; i++ {
		if c.bitFree(i) {
			return stats, fmt.Errorf("reserved block %d marked free", i)
		}
	}

	if err := c.checkFile(super.Root(), "/"); err != nil {
		return stats, err
	}

	stats.Files = c.files
	stats.Dirs = c.dirs
	stats.UsedBlocks = len(c.owner)
	return stats, nil
}

type checker struct {
	disk    kern.Disk
	nblocks uint32
	bitmap  []byte

	// Which path owns each referenced block.
	owner map[uint32]string

	files int
	dirs  int
}

func (c *checker) readBlock(blockno uint32) ([]byte, error) {
	blk := make([]byte, fsproto.BlockSize)
	err := c.disk.ReadSectors(blockno*kern.SectorsPerPage, kern.SectorsPerPage, blk)
	return blk, err
}

func (c *checker) bitFree(blockno uint32) bool {
	return c.bitmap[blockno/8]&(1<<(blockno%8)) != 0
}

// claim records that p references blockno, verifying range, bitmap state,
// and single ownership.
func (c *checker) claim(blockno uint32, p string) error {
	if blockno < 2 || blockno >= c.nblocks {
		return fmt.Errorf("%s: block %d out of range", p, blockno)
	}

	if c.bitFree(blockno) {
		return fmt.Errorf("%s: block %d referenced but marked free", p, blockno)
	}

	if prev, ok := c.owner[blockno]; ok {
		return fmt.Errorf("%s: block %d already referenced by %s", p, blockno, prev)
	}

	c.owner[blockno] = p
	return nil
}

// blockNums resolves every present block of a record, claiming each.
func (c *checker) blockNums(rec fsproto.FileRec, p string) ([]uint32, error) {
	nblocks := blockCount(rec.Size())
	if nblocks > fsproto.NumIndirect {
		return nil, fmt.Errorf("%s: size %d exceeds the maximum", p, rec.Size())
	}

	var indirect []byte
	if blockno := rec.Indirect(); blockno != 0 {
		if err := c.claim(blockno, p); err != nil {
			return nil, err
		}

		var err error
		if indirect, err = c.readBlock(blockno); err != nil {
			return nil, err
		}
	}

	var nums []uint32
	for bno := uint32(0); bno < nblocks; bno++ {
		var blockno uint32
		switch {
		case bno < fsproto.NumDirect:
			blockno = rec.Direct(int(bno))
		case indirect != nil:
			blockno = binary.LittleEndian.Uint32(indirect[4*bno:])
		}

		// A zero slot inside the size range is a lazily grown tail.
		if blockno == 0 {
			continue
		}

		if err := c.claim(blockno, p); err != nil {
			return nil, err
		}

		nums = append(nums, blockno)
	}

	return nums, nil
}

func (c *checker) checkFile(rec fsproto.FileRec, p string) error {
	if rec.Type() != fsproto.TypeDir {
		c.files++
		_, err := c.blockNums(rec, p)
		return err
	}

	c.dirs++
	if rec.Size()%fsproto.FileRecSize != 0 {
		return fmt.Errorf("%s: directory size %d not a multiple of %d", p, rec.Size(), fsproto.FileRecSize)
	}

	nums, err := c.blockNums(rec, p)
	if err != nil {
		return err
	}

	for _, blockno := range nums {
		blk, err := c.readBlock(blockno)
		if err != nil {
			return err
		}

		for j := 0; j < fsproto.RecsPerBlock; j++ {
			child := fsproto.ViewFileRec(blk, j*fsproto.FileRecSize)
			if !child.InUse() {
				continue
			}

			if err := c.checkFile(child, path.Join(p, child.Name())); err != nil {
				return err
			}
		}
	}

	return nil
}
