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

package fsproto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobsa/pagefs/fsproto"
)

func TestFileRecLayout(t *testing.T) {
	block := make([]byte, fsproto.BlockSize)

	// Records pack 16 to a block, and the view rejects misaligned offsets.
	assert.Equal(t, 16, fsproto.RecsPerBlock)
	assert.Panics(t, func() { fsproto.ViewFileRec(block, 100) })

	rec := fsproto.ViewFileRec(block, fsproto.FileRecSize)
	rec.SetName("hello")
	rec.SetSize(4096)
	rec.SetType(fsproto.TypeDir)
	rec.SetDirect(0, 17)
	rec.SetDirect(9, 99)
	rec.SetIndirect(123)

	assert.Equal(t, "hello", rec.Name())
	assert.Equal(t, uint32(4096), rec.Size())
	assert.Equal(t, fsproto.TypeDir, rec.Type())
	assert.Equal(t, uint32(17), rec.Direct(0))
	assert.Equal(t, uint32(99), rec.Direct(9))
	assert.Equal(t, uint32(123), rec.Indirect())
	assert.True(t, rec.InUse())

	// Field encodings land at the documented offsets, little-endian.
	base := fsproto.FileRecSize
	assert.Equal(t, byte('h'), block[base])
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x00}, block[base+128:base+132])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, block[base+132:base+136])
	assert.Equal(t, byte(17), block[base+136])
	assert.Equal(t, byte(99), block[base+136+9*4])
	assert.Equal(t, byte(123), block[base+176])

	// An empty first name byte marks the slot unused.
	rec.SetName("")
	assert.False(t, rec.InUse())
}

func TestFileRecNameBounds(t *testing.T) {
	rec := fsproto.FileRec(make([]byte, fsproto.FileRecSize))

	longest := strings.Repeat("x", fsproto.MaxNameLen-1)
	rec.SetName(longest)
	assert.Equal(t, longest, rec.Name())

	assert.Panics(t, func() { rec.SetName(strings.Repeat("x", fsproto.MaxNameLen)) })
}

func TestSuperLayout(t *testing.T) {
	block := make([]byte, fsproto.BlockSize)
	super := fsproto.SuperView(block)
	super.SetMagic(fsproto.Magic)
	super.SetNBlocks(1024)
	super.Root().SetName("/")
	super.Root().SetType(fsproto.TypeDir)

	assert.Equal(t, []byte{0x97, 0x60, 0x28, 0x68}, block[0:4])
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x00}, block[4:8])
	assert.Equal(t, byte('/'), block[8])
	assert.Equal(t, uint32(1024), super.NBlocks())
}

func TestOpenReqRoundTrip(t *testing.T) {
	page := make([]byte, fsproto.BlockSize)

	in := fsproto.OpenReq{Path: "/a/b/c", OMode: fsproto.OReadWrite | fsproto.OCreate}
	require.NoError(t, in.Marshal(page))

	var out fsproto.OpenReq
	out.Unmarshal(page)
	assert.Equal(t, in, out)

	// The mode sits just past the path buffer.
	assert.Equal(t, byte(0x02), page[fsproto.MaxPathLen])
	assert.Equal(t, byte(0x01), page[fsproto.MaxPathLen+1])
}

func TestOpenReqPathTooLong(t *testing.T) {
	page := make([]byte, fsproto.BlockSize)

	in := fsproto.OpenReq{Path: "/" + strings.Repeat("x", fsproto.MaxPathLen)}
	assert.Equal(t, fsproto.EBadPath, in.Marshal(page))
}

func TestRemoveReqStalePage(t *testing.T) {
	// Marshalling over a previously used page must not leak old bytes into
	// the new path.
	page := make([]byte, fsproto.BlockSize)
	long := fsproto.RemoveReq{Path: "/some/deeply/nested/path"}
	require.NoError(t, long.Marshal(page))

	short := fsproto.RemoveReq{Path: "/a"}
	require.NoError(t, short.Marshal(page))

	var out fsproto.RemoveReq
	out.Unmarshal(page)
	assert.Equal(t, "/a", out.Path)
}

func TestFixedArgReqs(t *testing.T) {
	page := make([]byte, fsproto.BlockSize)

	m := fsproto.MapReq{FileID: 1025, Offset: 8192}
	require.NoError(t, m.Marshal(page))
	var m2 fsproto.MapReq
	m2.Unmarshal(page)
	assert.Equal(t, m, m2)

	s := fsproto.SetSizeReq{FileID: -1, Size: fsproto.MaxFileSize}
	require.NoError(t, s.Marshal(page))
	var s2 fsproto.SetSizeReq
	s2.Unmarshal(page)
	assert.Equal(t, s, s2)

	c := fsproto.CloseReq{FileID: 7}
	require.NoError(t, c.Marshal(page))
	var c2 fsproto.CloseReq
	c2.Unmarshal(page)
	assert.Equal(t, c, c2)
}

func TestFilefdLayout(t *testing.T) {
	page := make([]byte, fsproto.BlockSize)
	ff := fsproto.FilefdView(page)

	ff.Fd().SetDevID(fsproto.DevIDFile)
	ff.Fd().SetOffset(512)
	ff.Fd().SetOMode(fsproto.OReadWrite)
	ff.SetFileID(2048)
	ff.File().SetName("f")
	ff.File().SetSize(5)

	assert.Equal(t, byte('f'), page[0])
	assert.Equal(t, []byte{0x00, 0x02, 0x00, 0x00}, page[4:8])
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00}, page[12:16])

	// The record copy starts right after the id.
	assert.Equal(t, byte('f'), page[16])
	assert.Equal(t, uint32(5), ff.File().Size())
}

func TestStatusRoundTrip(t *testing.T) {
	assert.Equal(t, int32(0), fsproto.Status(nil))
	assert.NoError(t, fsproto.StatusToError(0))
	assert.NoError(t, fsproto.StatusToError(17))

	for _, e := range []fsproto.Errno{
		fsproto.EInval,
		fsproto.EIpcNotRecv,
		fsproto.ENoDisk,
		fsproto.EMaxOpen,
		fsproto.ENotFound,
		fsproto.EBadPath,
		fsproto.EFileExists,
	} {
		assert.Equal(t, e, fsproto.StatusToError(fsproto.Status(e)))
		assert.Less(t, fsproto.Status(e), int32(0))
		assert.NotEmpty(t, e.Error())
	}

	assert.Equal(t, fsproto.ENotFound, fsproto.StatusToError(-9))
}
