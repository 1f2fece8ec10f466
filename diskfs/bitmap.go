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

	"github.com/jacobsa/pagefs/fsproto"
)

// The bitmap occupies the blocks starting here, one bit per block, bit set
// meaning free. Words are 32-bit little-endian regardless of the host.
const bitmapStart = 2

// bitmapWord returns the 4-byte word holding the bit for blockno, within the
// resident bitmap block that covers it.
//
// REQUIRES: the covering bitmap block is resident
func (fs *FileSystem) bitmapWord(blockno uint32) []byte {
	bmBlock := bitmapStart + blockno/fsproto.BitsPerBlock
	page, err := fs.sys.PageForWrite(fs.diskAddr(bmBlock))
	if err != nil {
		panic(fmt.Sprintf("bitmap block %d not resident: %v", bmBlock, err))
	}

	word := (blockno % fsproto.BitsPerBlock) / 32 * 4
	return page[word : word+4]
}

// blockIsFree reports whether the bitmap marks blockno free. Before the
// superblock is loaded, and for block numbers beyond the disk, every block
// counts as in-use.
func (fs *FileSystem) blockIsFree(blockno uint32) bool {
	if fs.super == nil || blockno >= fs.super.NBlocks() {
		return false
	}

	w := binary.LittleEndian.Uint32(fs.bitmapWord(blockno))
	return w&(1<<(blockno%32)) != 0
}

// freeBlock marks blockno free. The bitmap block is not flushed here; a
// later allocation touching the same bitmap block, or Sync, persists it.
//
// REQUIRES: blockno != 0 (the boot block is the null block number)
func (fs *FileSystem) freeBlock(blockno uint32) {
	if blockno == 0 {
		panic("attempt to free zero block")
	}

	slot := fs.bitmapWord(blockno)
	w := binary.LittleEndian.Uint32(slot)
	binary.LittleEndian.PutUint32(slot, w|1<<(blockno%32))
}

// allocBlockNum finds the first free block, marks it in-use, and flushes the
// affected bitmap block before returning, so the allocation metadata reaches
// the disk ahead of the data it will hold.
//
// The scan starts past the superblock; the bitmap blocks themselves are
// never free, so they are never returned.
func (fs *FileSystem) allocBlockNum() (uint32, error) {
	for blockno := uint32(3); blockno < fs.super.NBlocks(); blockno++ {
		if !fs.blockIsFree(blockno) {
			continue
		}

		slot := fs.bitmapWord(blockno)
		w := binary.LittleEndian.Uint32(slot)
		binary.LittleEndian.PutUint32(slot, w&^(1<<(blockno%32)))

		if err := fs.writeBlock(bitmapStart + blockno/fsproto.BitsPerBlock); err != nil {
			// Roll the bit back so the cache and disk still agree.
			binary.LittleEndian.PutUint32(slot, w)
			return 0, err
		}

		return blockno, nil
	}

	return 0, fsproto.ENoDisk
}

// allocBlock allocates a block and makes sure it has a page. On failure no
// block stays allocated.
func (fs *FileSystem) allocBlock() (uint32, error) {
	blockno, err := fs.allocBlockNum()
	if err != nil {
		return 0, err
	}

	if err := fs.mapBlock(blockno); err != nil {
		fs.freeBlock(blockno)
		return 0, err
	}

	return blockno, nil
}
