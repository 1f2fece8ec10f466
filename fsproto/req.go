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

// Request codes, carried as the IPC value accompanying the argument page.
const (
	ReqOpen    int32 = 1
	ReqMap     int32 = 2
	ReqSetSize int32 = 3
	ReqClose   int32 = 4
	ReqDirty   int32 = 5
	ReqRemove  int32 = 6
	ReqSync    int32 = 7
)

// DescribeReq returns a short name for a request code, for logging.
func DescribeReq(code int32) string {
	switch code {
	case ReqOpen:
		return "OPEN"
	case ReqMap:
		return "MAP"
	case ReqSetSize:
		return "SET_SIZE"
	case ReqClose:
		return "CLOSE"
	case ReqDirty:
		return "DIRTY"
	case ReqRemove:
		return "REMOVE"
	case ReqSync:
		return "SYNC"
	}

	return fmt.Sprintf("UNKNOWN(%d)", code)
}

////////////////////////////////////////////////////////////////////////
// Argument page layouts
////////////////////////////////////////////////////////////////////////

// OpenReq is the argument page payload for ReqOpen:
//
//	char path[MaxPathLen]; u32 omode
type OpenReq struct {
	Path  string
	OMode uint32
}

func (r *OpenReq) Marshal(page []byte) error {
	if err := putPath(page[:MaxPathLen], r.Path); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(page[MaxPathLen:], r.OMode)
	return nil
}

func (r *OpenReq) Unmarshal(page []byte) {
	r.Path = getPath(page[:MaxPathLen])
	r.OMode = binary.LittleEndian.Uint32(page[MaxPathLen:])
}

// MapReq is the argument page payload for ReqMap:
//
//	i32 fileid; u32 offset
type MapReq struct {
	FileID int32
	Offset uint32
}

func (r *MapReq) Marshal(page []byte) error {
	binary.LittleEndian.PutUint32(page[0:], uint32(r.FileID))
	binary.LittleEndian.PutUint32(page[4:], r.Offset)
	return nil
}

func (r *MapReq) Unmarshal(page []byte) {
	r.FileID = int32(binary.LittleEndian.Uint32(page[0:]))
	r.Offset = binary.LittleEndian.Uint32(page[4:])
}

// SetSizeReq is the argument page payload for ReqSetSize:
//
//	i32 fileid; u32 size
type SetSizeReq struct {
	FileID int32
	Size   uint32
}

func (r *SetSizeReq) Marshal(page []byte) error {
	binary.LittleEndian.PutUint32(page[0:], uint32(r.FileID))
	binary.LittleEndian.PutUint32(page[4:], r.Size)
	return nil
}

func (r *SetSizeReq) Unmarshal(page []byte) {
	r.FileID = int32(binary.LittleEndian.Uint32(page[0:]))
	r.Size = binary.LittleEndian.Uint32(page[4:])
}

// CloseReq is the argument page payload for ReqClose:
//
//	i32 fileid
type CloseReq struct {
	FileID int32
}

func (r *CloseReq) Marshal(page []byte) error {
	binary.LittleEndian.PutUint32(page[0:], uint32(r.FileID))
	return nil
}

func (r *CloseReq) Unmarshal(page []byte) {
	r.FileID = int32(binary.LittleEndian.Uint32(page[0:]))
}

// DirtyReq is the argument page payload for ReqDirty:
//
//	i32 fileid; u32 offset
type DirtyReq struct {
	FileID int32
	Offset uint32
}

func (r *DirtyReq) Marshal(page []byte) error {
	binary.LittleEndian.PutUint32(page[0:], uint32(r.FileID))
	binary.LittleEndian.PutUint32(page[4:], r.Offset)
	return nil
}

func (r *DirtyReq) Unmarshal(page []byte) {
	r.FileID = int32(binary.LittleEndian.Uint32(page[0:]))
	r.Offset = binary.LittleEndian.Uint32(page[4:])
}

// RemoveReq is the argument page payload for ReqRemove:
//
//	char path[MaxPathLen]
type RemoveReq struct {
	Path string
}

func (r *RemoveReq) Marshal(page []byte) error {
	return putPath(page[:MaxPathLen], r.Path)
}

func (r *RemoveReq) Unmarshal(page []byte) {
	r.Path = getPath(page[:MaxPathLen])
}

// ReqSync carries an empty payload.

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// putPath stores a NUL-terminated path into a MaxPathLen buffer, zeroing the
// remainder so stale page contents never leak into a request.
func putPath(dst []byte, path string) error {
	if len(path) >= MaxPathLen {
		return EBadPath
	}

	n := copy(dst, path)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	return nil
}

// getPath decodes a path buffer, forcing termination at the final byte the
// way the server defensively terminates incoming paths.
func getPath(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	} else {
		src = src[:len(src)-1]
	}

	return string(src)
}
