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

package fsproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Offsets of the fields within an encoded file record.
const (
	recOffName     = 0
	recOffSize     = MaxNameLen
	recOffType     = recOffSize + 4
	recOffDirect   = recOffType + 4
	recOffIndirect = recOffDirect + 4*NumDirect

	// The bytes from here to FileRecSize are padding. The original record
	// stored an in-memory parent pointer in the first word; it must be
	// ignored when a record is read from disk.
	recOffPad = recOffIndirect + 4
)

// FileRec is a view of a 256-byte file record in place within a block. Writes
// through its methods mutate the underlying block, so a later flush of that
// block persists them.
type FileRec []byte

// ViewFileRec interprets the 256 bytes at b[off:] as a file record.
//
// REQUIRES: off is a multiple of FileRecSize
// REQUIRES: len(b) >= off+FileRecSize
func ViewFileRec(b []byte, off int) FileRec {
	if off%FileRecSize != 0 || off+FileRecSize > len(b) {
		panic(fmt.Sprintf("bad file record offset %d in %d bytes", off, len(b)))
	}

	return FileRec(b[off : off+FileRecSize])
}

// Name returns the record's name, decoded up to the first NUL.
func (r FileRec) Name() string {
	name := r[recOffName : recOffName+MaxNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return string(name)
}

// SetName stores name, NUL-terminated. Clearing the name (empty string) marks
// the record slot unused.
//
// REQUIRES: len(name) < MaxNameLen
func (r FileRec) SetName(name string) {
	if len(name) >= MaxNameLen {
		panic(fmt.Sprintf("name too long: %d bytes", len(name)))
	}

	n := copy(r[recOffName:recOffName+MaxNameLen], name)
	for i := n; i < MaxNameLen; i++ {
		r[recOffName+i] = 0
	}
}

// InUse reports whether the record describes a file, as opposed to a free
// directory slot. A slot is free iff the first byte of its name is NUL.
func (r FileRec) InUse() bool {
	return r[recOffName] != 0
}

func (r FileRec) Size() uint32 {
	return binary.LittleEndian.Uint32(r[recOffSize:])
}

func (r FileRec) SetSize(size uint32) {
	binary.LittleEndian.PutUint32(r[recOffSize:], size)
}

func (r FileRec) Type() uint32 {
	return binary.LittleEndian.Uint32(r[recOffType:])
}

func (r FileRec) SetType(t uint32) {
	binary.LittleEndian.PutUint32(r[recOffType:], t)
}

// Direct returns the block number in direct slot i, where zero means "no
// block".
//
// REQUIRES: i < NumDirect
func (r FileRec) Direct(i int) uint32 {
	return binary.LittleEndian.Uint32(r[recOffDirect+4*i:])
}

func (r FileRec) SetDirect(i int, blockno uint32) {
	binary.LittleEndian.PutUint32(r[recOffDirect+4*i:], blockno)
}

// DirectSlot returns the 4-byte slot holding direct block number i, for
// callers that update the slot in place.
func (r FileRec) DirectSlot(i int) []byte {
	return r[recOffDirect+4*i : recOffDirect+4*i+4]
}

// IndirectSlot returns the 4-byte slot holding the indirect block number.
func (r FileRec) IndirectSlot() []byte {
	return r[recOffIndirect : recOffIndirect+4]
}

// Indirect returns the block number of the indirect block, or zero if the
// file has none.
func (r FileRec) Indirect() uint32 {
	return binary.LittleEndian.Uint32(r[recOffIndirect:])
}

func (r FileRec) SetIndirect(blockno uint32) {
	binary.LittleEndian.PutUint32(r[recOffIndirect:], blockno)
}

// CopyTo copies the record's bytes into dst, which must be another 256-byte
// record view.
func (r FileRec) CopyTo(dst FileRec) {
	copy(dst, r)
}

// Zero clears the whole record, including the padding.
func (r FileRec) Zero() {
	for i := range r {
		r[i] = 0
	}
}

// Offsets of the fields within the superblock (block 1).
const (
	superOffMagic   = 0
	superOffNBlocks = 4
	superOffRoot    = 8
)

// SuperView is a view of the superblock in place within block 1.
type SuperView []byte

func (s SuperView) Magic() uint32 {
	return binary.LittleEndian.Uint32(s[superOffMagic:])
}

func (s SuperView) SetMagic(m uint32) {
	binary.LittleEndian.PutUint32(s[superOffMagic:], m)
}

func (s SuperView) NBlocks() uint32 {
	return binary.LittleEndian.Uint32(s[superOffNBlocks:])
}

func (s SuperView) SetNBlocks(n uint32) {
	binary.LittleEndian.PutUint32(s[superOffNBlocks:], n)
}

// Root returns the root directory's file record, embedded in the superblock.
func (s SuperView) Root() FileRec {
	return FileRec(s[superOffRoot : superOffRoot+FileRecSize])
}
