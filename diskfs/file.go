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

	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

// File is a handle on a file record resident in the cache: the record view
// aliases the directory block (or superblock) the record lives in, so
// mutations through the handle persist when that block is written back.
type File struct {
	rec fsproto.FileRec

	// The containing directory, tracked in memory only. Nil for the root and
	// for handles not produced by a directory lookup.
	dir *File
}

// Rec exposes the underlying record, e.g. for copying into a Filefd page.
func (f *File) Rec() fsproto.FileRec { return f.rec }

func (f *File) Name() string { return f.rec.Name() }

func (f *File) Size() uint32 { return f.rec.Size() }

func (f *File) IsDir() bool { return f.rec.Type() == fsproto.TypeDir }

// A 4-byte little-endian block-number slot, in a file record or an indirect
// block.
type bslot []byte

func (s bslot) get() uint32  { return binary.LittleEndian.Uint32(s) }
func (s bslot) set(v uint32) { binary.LittleEndian.PutUint32(s, v) }

// blockWalk finds the block-number slot for the filebno'th block of f.
//
// Direct indexes resolve within the record. Indirect indexes resolve within
// the indirect block, which is allocated (and zeroed) first if alloc is set;
// without alloc an absent indirect block yields ENotFound. Indexes beyond
// the indirect range yield EInval.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) blockWalk(f *File, filebno uint32, alloc bool) (bslot, error) {
	switch {
	case filebno < fsproto.NumDirect:
		return bslot(f.rec.DirectSlot(int(filebno))), nil

	case filebno < fsproto.NumIndirect:
		if f.rec.Indirect() == 0 {
			if !alloc {
				return nil, fsproto.ENotFound
			}

			blockno, err := fs.allocBlock()
			if err != nil {
				return nil, err
			}

			f.rec.SetIndirect(blockno)

			// A freshly allocated block may carry stale contents; the
			// indirect table must start out all "no block".
			blk, _, err := fs.readBlock(blockno)
			if err != nil {
				return nil, err
			}

			for i := range blk {
				blk[i] = 0
			}
		}

		blk, _, err := fs.readBlock(f.rec.Indirect())
		if err != nil {
			return nil, err
		}

		return bslot(blk[4*filebno : 4*filebno+4]), nil

	default:
		return nil, fsproto.EInval
	}
}

// fileMapBlock resolves the filebno'th block of f to a disk block number,
// allocating one into the slot if alloc is set and the slot is empty.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) fileMapBlock(f *File, filebno uint32, alloc bool) (uint32, error) {
	slot, err := fs.blockWalk(f, filebno, alloc)
	if err != nil {
		return 0, err
	}

	if slot.get() == 0 {
		if !alloc {
			return 0, fsproto.ENotFound
		}

		blockno, err := fs.allocBlock()
		if err != nil {
			return 0, err
		}

		slot.set(blockno)
	}

	return slot.get(), nil
}

// clearBlock removes the filebno'th block from f, freeing it in the bitmap.
// An absent block succeeds silently.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) clearBlock(f *File, filebno uint32) error {
	slot, err := fs.blockWalk(f, filebno, false)
	if err == fsproto.ENotFound {
		return nil
	}

	if err != nil {
		return err
	}

	if blockno := slot.get(); blockno != 0 {
		fs.freeBlock(blockno)
		slot.set(0)
	}

	return nil
}

// GetBlock makes the filebno'th block of f resident, allocating it first if
// the file doesn't have one yet, and returns its page. The contents of a
// freshly allocated block are not guaranteed.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) GetBlock(f *File, filebno uint32) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.getBlock(f, filebno)
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) getBlock(f *File, filebno uint32) ([]byte, error) {
	blockno, err := fs.fileMapBlock(f, filebno, true)
	if err != nil {
		return nil, err
	}

	blk, _, err := fs.readBlock(blockno)
	return blk, err
}

// GetBlockAddr is GetBlock returning the block's fixed virtual address
// instead of its page, for transferring the page over IPC.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) GetBlockAddr(f *File, filebno uint32) (kern.VA, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	blockno, err := fs.fileMapBlock(f, filebno, true)
	if err != nil {
		return 0, err
	}

	if _, _, err := fs.readBlock(blockno); err != nil {
		return 0, err
	}

	return fs.diskAddr(blockno), nil
}

// BlockNum resolves the filebno'th block of f without allocating, for
// callers that need the physical block number (ENotFound if absent).
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) BlockNum(f *File, filebno uint32) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.fileMapBlock(f, filebno, false)
}

// Dirty marks the block containing offset dirty by rewriting its first byte
// through the cache, faulting the block in if necessary.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Dirty(f *File, offset uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	blk, err := fs.getBlock(f, offset/fsproto.BlockSize)
	if err != nil {
		return err
	}

	blk[0] = blk[0]
	return nil
}

// truncate shrinks f to newsize, freeing the blocks past the new tail and
// the indirect block.
//
// REQUIRES: newsize <= f.Size()
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) truncate(f *File, newsize uint32) error {
	oldBlocks := blockCount(f.rec.Size())
	newBlocks := blockCount(newsize)

	for bno := newBlocks; bno < oldBlocks; bno++ {
		if err := fs.clearBlock(f, bno); err != nil {
			return err
		}
	}

	if blockno := f.rec.Indirect(); blockno != 0 {
		fs.freeBlock(blockno)
		f.rec.SetIndirect(0)
	}

	f.rec.SetSize(newsize)
	return nil
}

// SetSize sets f's size. Shrinking truncates; growing only updates the size
// field, leaving the new tail's blocks to be allocated on first access, so a
// read of a never-written region sees whatever block GetBlock materializes.
// The containing directory, if tracked, is flushed so the size change
// persists.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) SetSize(f *File, newsize uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if f.rec.Size() > newsize {
		if err := fs.truncate(f, newsize); err != nil {
			return err
		}
	}

	f.rec.SetSize(newsize)
	if f.dir != nil {
		if err := fs.flush(f.dir); err != nil {
			return err
		}
	}

	return nil
}

// Flush writes back every resident block of f. With no dirty bit available,
// resident is the best approximation of dirty there is.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Flush(f *File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.flush(f)
}

// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) flush(f *File) error {
	nblocks := blockCount(f.rec.Size())
	for bno := uint32(0); bno < nblocks; bno++ {
		blockno, err := fs.fileMapBlock(f, bno, false)
		if err == fsproto.ENotFound {
			// Lazily grown tail; nothing to write yet.
			continue
		}

		if err != nil {
			return err
		}

		if fs.blockIsResident(blockno) {
			if err := fs.writeBlock(blockno); err != nil {
				return err
			}
		}
	}

	return nil
}

// CloseFile flushes f and, if its containing directory is tracked, the
// directory as well.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) CloseFile(f *File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.flush(f); err != nil {
		return err
	}

	if f.dir != nil {
		return fs.flush(f.dir)
	}

	return nil
}

// blockCount returns the number of blocks needed to hold size bytes.
func blockCount(size uint32) uint32 {
	return (size + fsproto.BlockSize - 1) / fsproto.BlockSize
}
