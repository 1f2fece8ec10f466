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
	"strings"

	"github.com/jacobsa/pagefs/fsproto"
)

// dirLookup scans dir's blocks for a record named name. On a hit the
// returned handle tracks dir as its parent.
//
// REQUIRES: dir is a directory
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) dirLookup(dir *File, name string) (*File, error) {
	nblock := blockCount(dir.rec.Size())
	for i := uint32(0); i < nblock; i++ {
		blk, err := fs.getBlock(dir, i)
		if err != nil {
			return nil, err
		}

		for j := 0; j < fsproto.RecsPerBlock; j++ {
			rec := fsproto.ViewFileRec(blk, j*fsproto.FileRecSize)
			if rec.Name() == name {
				return &File{rec: rec, dir: dir}, nil
			}
		}
	}

	return nil, fsproto.ENotFound
}

// dirAllocFile finds a free record slot in dir, growing the directory by one
// block when every slot is taken.
//
// REQUIRES: dir is a directory
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) dirAllocFile(dir *File) (fsproto.FileRec, error) {
	nblock := blockCount(dir.rec.Size())
	for i := uint32(0); i < nblock; i++ {
		blk, err := fs.getBlock(dir, i)
		if err != nil {
			return nil, err
		}

		for j := 0; j < fsproto.RecsPerBlock; j++ {
			rec := fsproto.ViewFileRec(blk, j*fsproto.FileRecSize)
			if !rec.InUse() {
				return rec, nil
			}
		}
	}

	dir.rec.SetSize(dir.rec.Size() + fsproto.BlockSize)
	blk, err := fs.getBlock(dir, nblock)
	if err != nil {
		return nil, err
	}

	return fsproto.ViewFileRec(blk, 0), nil
}

// walk resolves path starting at the root.
//
// On success it returns the file and the directory containing it (nil for
// the root itself). If only the final component is missing, it returns the
// directory the file would live in along with the missing name and
// ENotFound, which is what creation builds on. Components at or beyond the
// name length limit yield EBadPath.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) walk(path string) (dir *File, f *File, lastelem string, err error) {
	path = strings.TrimLeft(path, "/")
	f = &File{rec: fs.super.Root()}

	for path != "" {
		dir = f

		var name string
		if i := strings.IndexByte(path, '/'); i >= 0 {
			name, path = path[:i], strings.TrimLeft(path[i:], "/")
		} else {
			name, path = path, ""
		}

		if len(name) >= fsproto.MaxNameLen {
			return nil, nil, "", fsproto.EBadPath
		}

		if dir.rec.Type() != fsproto.TypeDir {
			return nil, nil, "", fsproto.ENotFound
		}

		f, err = fs.dirLookup(dir, name)
		if err != nil {
			if err == fsproto.ENotFound && path == "" {
				return dir, nil, name, err
			}

			return nil, nil, "", err
		}
	}

	return dir, f, "", nil
}

// Open resolves path to a file handle.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Open(path string) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, f, _, err := fs.walk(path)
	if err != nil {
		return nil, err
	}

	return f, nil
}

// Create makes a new file at path, whose parent directory must exist. The
// new record has the given type, zero size, and no blocks.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Create(path string, ftype uint32) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, _, name, err := fs.walk(path)
	if err == nil {
		return nil, fsproto.EFileExists
	}

	if err != fsproto.ENotFound || dir == nil {
		return nil, err
	}

	rec, err := fs.dirAllocFile(dir)
	if err != nil {
		return nil, err
	}

	rec.Zero()
	rec.SetName(name)
	rec.SetType(ftype)
	return &File{rec: rec, dir: dir}, nil
}

// Remove deletes the file at path: truncate to zero, zero the name byte so
// the slot becomes reusable, and flush the record's directory so the
// removal persists.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) Remove(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, f, _, err := fs.walk(path)
	if err != nil {
		return err
	}

	if err := fs.truncate(f, 0); err != nil {
		return err
	}

	f.rec.SetName("")
	if err := fs.flush(f); err != nil {
		return err
	}

	if f.dir != nil {
		return fs.flush(f.dir)
	}

	return nil
}
