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

// Package diskfs implements the on-disk file system engine: a block cache
// whose virtual address is a pure function of the block number, the
// persistent allocation bitmap, the superblock, the file record layer with
// direct and indirect indexing, and path resolution over directory blocks.
//
// A FileSystem is owned by a single serving goroutine; the methods are not
// re-entrant, matching the cooperative single-threaded server design.
package diskfs

import (
	"bytes"
	"fmt"

	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
	"github.com/jacobsa/syncutil"
)

const (
	// DiskMap is the base of the virtual window the disk is mapped into.
	// Block n lives at DiskMap + n*BlockSize, resident or not.
	DiskMap kern.VA = 0x10000000

	// DiskMaxBytes bounds the disk size expressible by the window.
	DiskMaxBytes = 0x40000000
)

// FileSystem is the engine over one disk. Construct with New, then call Init
// to load and validate the superblock and bitmap before any file operation.
type FileSystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	sys  kern.Sys
	disk kern.Disk

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// A view of the superblock within the resident block 1, or nil before
	// Init (and briefly during the write-back self-test).
	//
	// INVARIANT: If super != nil, super.Magic() == fsproto.Magic
	super fsproto.SuperView // GUARDED_BY(mu)

	// Number of bitmap blocks, or zero before the bitmap is loaded.
	//
	// INVARIANT: If nbitmap > 0, blocks 0, 1 and the bitmap blocks
	// themselves are marked in-use.
	nbitmap uint32 // GUARDED_BY(mu)
}

func New(sys kern.Sys, disk kern.Disk) *FileSystem {
	fs := &FileSystem{
		sys:  sys,
		disk: disk,
	}

	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs
}

func (fs *FileSystem) checkInvariants() {
	if fs.super != nil && fs.super.Magic() != fsproto.Magic {
		panic(fmt.Sprintf("bad magic %#x", fs.super.Magic()))
	}

	if fs.nbitmap > 0 {
		if fs.blockIsFree(0) || fs.blockIsFree(1) {
			panic("reserved block marked free")
		}

		for i := uint32(0); i < fs.nbitmap; i++ {
			if fs.blockIsFree(2 + i) {
				panic(fmt.Sprintf("bitmap block %d marked free", 2+i))
			}
		}
	}
}

// Init loads and validates the superblock, self-tests block write-back, and
// loads the bitmap.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.readSuper(); err != nil {
		return fmt.Errorf("readSuper: %w", err)
	}

	if err := fs.checkWriteBlock(); err != nil {
		return fmt.Errorf("checkWriteBlock: %w", err)
	}

	if err := fs.readBitmap(); err != nil {
		return fmt.Errorf("readBitmap: %w", err)
	}

	return nil
}

// NBlocks returns the total block count from the superblock.
//
// REQUIRES: Init has succeeded
func (fs *FileSystem) NBlocks() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.super.NBlocks()
}

// Root returns the root directory, embedded in the superblock.
//
// REQUIRES: Init has succeeded
func (fs *FileSystem) Root() *File {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return &File{rec: fs.super.Root()}
}

// Sync writes every resident block back to disk. There is no dirty bit the
// server can read, so every resident block is treated as potentially dirty;
// this includes the superblock and the bitmap blocks.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := uint32(0); i < fs.super.NBlocks(); i++ {
		if fs.blockIsResident(i) {
			if err := fs.writeBlock(i); err != nil {
				return err
			}
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Initialization helpers
////////////////////////////////////////////////////////////////////////

// Read and validate the superblock, leaving fs.super viewing block 1.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) readSuper() error {
	blk, _, err := fs.readBlock(1)
	if err != nil {
		return fmt.Errorf("cannot read superblock: %w", err)
	}

	super := fsproto.SuperView(blk)
	if super.Magic() != fsproto.Magic {
		return fmt.Errorf("bad file system magic number %#x", super.Magic())
	}

	if super.NBlocks() > DiskMaxBytes/fsproto.BlockSize {
		return fmt.Errorf("file system is too large: %d blocks", super.NBlocks())
	}

	fs.super = super
	return nil
}

// Test that block write-back works, by smashing the superblock and reading
// it back. Block 0's page serves as the backup buffer.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) checkWriteBlock() error {
	fs.super = nil

	// Back up the superblock into the boot block's page.
	if _, _, err := fs.readBlock(0); err != nil {
		return err
	}

	backup, err := fs.sys.PageForWrite(fs.diskAddr(0))
	if err != nil {
		return err
	}

	blk, _, err := fs.readBlock(1)
	if err != nil {
		return err
	}

	copy(backup, blk)

	// Smash it.
	const sentinel = "OOPS!\n"
	copy(blk, append([]byte(sentinel), 0))
	if err := fs.writeBlock(1); err != nil {
		return err
	}

	if !fs.blockIsResident(1) {
		return fmt.Errorf("block 1 not resident after write")
	}

	// Clear it out.
	if err := fs.sys.MemUnmap(0, fs.diskAddr(1)); err != nil {
		return err
	}

	if fs.blockIsResident(1) {
		return fmt.Errorf("block 1 still resident after unmap")
	}

	// Read it back in and verify.
	blk, _, err = fs.readBlock(1)
	if err != nil {
		return err
	}

	if !bytes.HasPrefix(blk, []byte(sentinel+"\x00")) {
		return fmt.Errorf("write-back self-test failed: got %q", blk[:len(sentinel)+1])
	}

	// Fix it.
	copy(blk, backup)
	if err := fs.writeBlock(1); err != nil {
		return err
	}

	fs.super = fsproto.SuperView(blk)
	return nil
}

// Read all bitmap blocks into the cache and validate the reserved bits.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) readBitmap() error {
	nbitmap := (fs.super.NBlocks() + fsproto.BitsPerBlock - 1) / fsproto.BitsPerBlock
	for i := uint32(0); i < nbitmap; i++ {
		if _, _, err := fs.readBlock(2 + i); err != nil {
			return err
		}
	}

	fs.nbitmap = nbitmap

	// The boot block, the superblock, and the bitmap itself must be marked
	// in-use.
	if fs.blockIsFree(0) {
		return fmt.Errorf("boot block marked free")
	}

	if fs.blockIsFree(1) {
		return fmt.Errorf("superblock marked free")
	}

	for i := uint32(0); i < nbitmap; i++ {
		if fs.blockIsFree(2 + i) {
			return fmt.Errorf("bitmap block %d marked free", 2+i)
		}
	}

	return nil
}
