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

import "encoding/binary"

// Open modes, stored in a descriptor and sent with ReqOpen.
const (
	OReadOnly  uint32 = 0x0000
	OWriteOnly uint32 = 0x0001
	OReadWrite uint32 = 0x0002
	OAccMode   uint32 = 0x0003

	OCreate uint32 = 0x0100
	OTrunc  uint32 = 0x0200
	OExcl   uint32 = 0x0400
	OMkDir  uint32 = 0x0800
)

// Device ids carried in a descriptor. The file device is implemented by the
// client library against the server; console and pipe back-ends register
// under their own ids.
const (
	DevIDFile uint32 = 'f'
	DevIDCons uint32 = 'c'
	DevIDPipe uint32 = 'p'
)

// Offsets of the fields within a descriptor page.
const (
	fdOffDevID  = 0
	fdOffOffset = 4
	fdOffOMode  = 8

	// A Filefd page begins with the plain descriptor, then the file id, then
	// a copy of the file record taken at open time.
	filefdOffFileID = 12
	filefdOffFile   = 16
)

// FdView is a view of the descriptor header at the start of a descriptor
// page. The page is shared with every process the descriptor survives fork
// into, so updates through the view are visible to all of them.
type FdView []byte

func (f FdView) DevID() uint32 {
	return binary.LittleEndian.Uint32(f[fdOffDevID:])
}

func (f FdView) SetDevID(id uint32) {
	binary.LittleEndian.PutUint32(f[fdOffDevID:], id)
}

func (f FdView) Offset() uint32 {
	return binary.LittleEndian.Uint32(f[fdOffOffset:])
}

func (f FdView) SetOffset(off uint32) {
	binary.LittleEndian.PutUint32(f[fdOffOffset:], off)
}

func (f FdView) OMode() uint32 {
	return binary.LittleEndian.Uint32(f[fdOffOMode:])
}

func (f FdView) SetOMode(m uint32) {
	binary.LittleEndian.PutUint32(f[fdOffOMode:], m)
}

// FilefdView is a view of a Filefd page: the page the server fills at open
// time and transfers to the client, holding the descriptor header, the file
// id, and a copy of the file record.
type FilefdView []byte

func (f FilefdView) Fd() FdView {
	return FdView(f)
}

func (f FilefdView) FileID() int32 {
	return int32(binary.LittleEndian.Uint32(f[filefdOffFileID:]))
}

func (f FilefdView) SetFileID(id int32) {
	binary.LittleEndian.PutUint32(f[filefdOffFileID:], uint32(id))
}

// File returns the record copy embedded in the page. Its size field is kept
// current by the client after a successful set-size, but it is otherwise a
// snapshot from open time.
func (f FilefdView) File() FileRec {
	return FileRec(f[filefdOffFile : filefdOffFile+FileRecSize])
}
