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

// diskAddr returns the fixed virtual address of a block: DiskMap plus the
// block's offset. Residency plays no part; the mapping is a pure function.
//
// REQUIRES: blockno < super.NBlocks() once the superblock is loaded
func (fs *FileSystem) diskAddr(blockno uint32) kern.VA {
	if fs.super != nil && blockno >= fs.super.NBlocks() {
		panic(fmt.Sprintf("bad block number %#x in diskAddr", blockno))
	}

	if blockno >= DiskMaxBytes/fsproto.BlockSize {
		panic(fmt.Sprintf("block number %#x beyond the cache window", blockno))
	}

	return DiskMap + kern.VA(blockno)*fsproto.BlockSize
}

// blockIsResident reports whether the block's page is mapped, by page-table
// lookup at its fixed address.
func (fs *FileSystem) blockIsResident(blockno uint32) bool {
	_, ok := fs.sys.PageLookup(fs.diskAddr(blockno))
	return ok
}

// blockIsDirty reports whether a block may have unwritten changes. The
// platform exposes no dirty bit the server can read, so every resident block
// counts as potentially dirty, the same policy write-back follows (see Sync
// and Flush).
func (fs *FileSystem) blockIsDirty(blockno uint32) bool {
	return fs.blockIsResident(blockno)
}

// mapBlock ensures there is a page for the block, without reading the disk.
func (fs *FileSystem) mapBlock(blockno uint32) error {
	if fs.blockIsResident(blockno) {
		return nil
	}

	return fs.sys.MemAlloc(0, fs.diskAddr(blockno), kern.PermValid|kern.PermWrite)
}

// readBlock makes sure the block is resident, loading it from disk on first
// reference, and returns its page. isNew reports whether this call brought
// the block in, letting callers clear memory-only fields exactly once.
//
// On a disk read error the fresh page is unmapped again, so the cache never
// retains half-initialized contents.
//
// REQUIRES: blockno < super.NBlocks() once the superblock is loaded
// REQUIRES: the block is not free once the bitmap is loaded
func (fs *FileSystem) readBlock(blockno uint32) (blk []byte, isNew bool, err error) {
	if fs.super != nil && blockno >= fs.super.NBlocks() {
		panic(fmt.Sprintf("reading non-existent block %#x", blockno))
	}

	if fs.nbitmap > 0 && fs.blockIsFree(blockno) {
		panic(fmt.Sprintf("reading free block %#x", blockno))
	}

	va := fs.diskAddr(blockno)
	if fs.blockIsResident(blockno) {
		blk, err = fs.sys.PageForWrite(va)
		return blk, false, err
	}

	if err = fs.sys.MemAlloc(0, va, kern.PermValid|kern.PermWrite); err != nil {
		return nil, false, err
	}

	blk, err = fs.sys.PageForWrite(va)
	if err != nil {
		return nil, false, err
	}

	if err = fs.disk.ReadSectors(blockno*kern.SectorsPerPage, kern.SectorsPerPage, blk); err != nil {
		fs.sys.MemUnmap(0, va)
		return nil, false, fmt.Errorf("reading block %d: %w", blockno, err)
	}

	return blk, true, nil
}

// writeBlock flushes the block's page to disk, then remaps the page over
// itself to clear any dirty indication the mapping carries.
//
// REQUIRES: the block is resident
func (fs *FileSystem) writeBlock(blockno uint32) error {
	if !fs.blockIsResident(blockno) {
		panic(fmt.Sprintf("write unmapped block %#x", blockno))
	}

	va := fs.diskAddr(blockno)
	blk, err := fs.sys.PageForWrite(va)
	if err != nil {
		return err
	}

	if err := fs.disk.WriteSectors(blockno*kern.SectorsPerPage, kern.SectorsPerPage, blk); err != nil {
		return fmt.Errorf("writing block %d: %w", blockno, err)
	}

	return fs.sys.MemMap(va, 0, va, kern.PermValid|kern.PermWrite|kern.PermLibrary)
}

// unmapBlock drops the block's page from the cache window.
//
// REQUIRES: the block is free, or not dirty
func (fs *FileSystem) unmapBlock(blockno uint32) error {
	if !fs.blockIsResident(blockno) {
		return nil
	}

	if !fs.blockIsFree(blockno) && fs.blockIsDirty(blockno) {
		panic(fmt.Sprintf("unmapping dirty allocated block %#x", blockno))
	}

	if err := fs.sys.MemUnmap(0, fs.diskAddr(blockno)); err != nil {
		return err
	}

	if fs.blockIsResident(blockno) {
		panic(fmt.Sprintf("block %#x still resident after unmap", blockno))
	}

	return nil
}
