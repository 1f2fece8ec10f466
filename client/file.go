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

package client

import (
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

// fsipcBufVA is the scratch page requests are marshalled into before being
// attached to an IPC send. Fork marks it copy-on-write, so parent and child
// privatize it on their next request.
const fsipcBufVA kern.VA = 0x0ffff000

// fsipc sends one request to the server and awaits the reply. If dstVA is
// nonzero, a page attached to a successful reply lands there. The returned
// error reflects the reply's status word.
func (e *Env) fsipc(code int32, marshal func(page []byte) error, dstVA kern.VA) error {
	if _, ok := e.sys.PageLookup(fsipcBufVA); !ok {
		err := e.sys.MemAlloc(0, fsipcBufVA, kern.PermValid|kern.PermWrite)
		if err != nil {
			return err
		}
	}

	page, err := e.sys.PageForWrite(fsipcBufVA)
	if err != nil {
		return err
	}

	if marshal != nil {
		if err := marshal(page); err != nil {
			return err
		}
	}

	err = e.sys.IpcSend(e.serv, code, fsipcBufVA, kern.PermValid|kern.PermWrite)
	if err != nil {
		return err
	}

	status, _, _, err := e.sys.IpcRecv(dstVA)
	if err != nil {
		return err
	}

	return fsproto.StatusToError(status)
}

// Open opens (or, with OCreate, creates) the file at path, returning a new
// descriptor number. The server's reply maps the Filefd page straight into
// the chosen slot.
func (e *Env) Open(path string, omode uint32) (int, error) {
	fdnum, va, err := e.FdAlloc()
	if err != nil {
		return 0, err
	}

	req := fsproto.OpenReq{Path: path, OMode: omode}
	if err := e.fsipc(fsproto.ReqOpen, req.Marshal, va); err != nil {
		return 0, err
	}

	return fdnum, nil
}

// Remove deletes the file at path.
func (e *Env) Remove(path string) error {
	req := fsproto.RemoveReq{Path: path}
	return e.fsipc(fsproto.ReqRemove, req.Marshal, 0)
}

// Sync asks the server to write every resident block back to disk.
func (e *Env) Sync() error {
	return e.fsipc(fsproto.ReqSync, nil, 0)
}

// Ftruncate sets the size of the file behind a descriptor, growing it
// lazily or shrinking it and freeing the tail.
func (e *Env) Ftruncate(fdnum int, size uint32) error {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return err
	}

	if d.Fd().OMode()&fsproto.OAccMode == fsproto.OReadOnly {
		return fsproto.EInval
	}

	req := fsproto.SetSizeReq{FileID: d.Filefd().FileID(), Size: size}
	if err := e.fsipc(fsproto.ReqSetSize, req.Marshal, 0); err != nil {
		return err
	}

	d.Filefd().File().SetSize(size)
	return nil
}

// Dirty tells the server the block containing offset has been written
// through a mapping.
func (e *Env) Dirty(fdnum int, offset uint32) error {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return err
	}

	req := fsproto.DirtyReq{FileID: d.Filefd().FileID(), Offset: offset}
	return e.fsipc(fsproto.ReqDirty, req.Marshal, 0)
}

////////////////////////////////////////////////////////////////////////
// The file device
////////////////////////////////////////////////////////////////////////

// fileDevice translates descriptor operations into server requests plus
// copies in and out of mapped block pages.
type fileDevice struct{}

func (fileDevice) ID() uint32 { return fsproto.DevIDFile }

func (fileDevice) Name() string { return "file" }

// mapBlock asks the server for the block containing offset and returns the
// page, mapped at the block's spot in the descriptor's data region.
func (fileDevice) mapBlock(e *Env, d *Desc, offset uint32) (kern.VA, error) {
	va := d.DataVA() + kern.VA(offset/fsproto.BlockSize)*fsproto.BlockSize
	req := fsproto.MapReq{FileID: d.Filefd().FileID(), Offset: offset}
	if err := e.fsipc(fsproto.ReqMap, req.Marshal, va); err != nil {
		return 0, err
	}

	return va, nil
}

func (dev fileDevice) Read(e *Env, d *Desc, buf []byte, offset uint32) (int, error) {
	size := d.Filefd().File().Size()
	if offset >= size {
		return 0, nil
	}

	n := len(buf)
	if uint32(n) > size-offset {
		n = int(size - offset)
	}

	var copied int
	for copied < n {
		pos := offset + uint32(copied)
		va, err := dev.mapBlock(e, d, pos)
		if err != nil {
			return copied, err
		}

		page, err := e.sys.PageForRead(va)
		if err != nil {
			return copied, err
		}

		inblk := int(pos % fsproto.BlockSize)
		copied += copy(buf[copied:n], page[inblk:])
	}

	return n, nil
}

func (dev fileDevice) Write(e *Env, d *Desc, buf []byte, offset uint32) (int, error) {
	// Extend the file first when writing past the current end.
	size := d.Filefd().File().Size()
	if end := offset + uint32(len(buf)); end > size {
		req := fsproto.SetSizeReq{FileID: d.Filefd().FileID(), Size: end}
		if err := e.fsipc(fsproto.ReqSetSize, req.Marshal, 0); err != nil {
			return 0, err
		}

		// Keep the record copy's size current for later reads and stats.
		d.Filefd().File().SetSize(end)
	}

	var copied int
	for copied < len(buf) {
		pos := offset + uint32(copied)
		va, err := dev.mapBlock(e, d, pos)
		if err != nil {
			return copied, err
		}

		page, err := e.sys.PageForWrite(va)
		if err != nil {
			return copied, err
		}

		inblk := int(pos % fsproto.BlockSize)
		m := copy(page[inblk:], buf[copied:])

		// The server cannot see page-level dirtiness; tell it.
		dreq := fsproto.DirtyReq{FileID: d.Filefd().FileID(), Offset: pos}
		if err := e.fsipc(fsproto.ReqDirty, dreq.Marshal, 0); err != nil {
			return copied, err
		}

		copied += m
	}

	return copied, nil
}

func (fileDevice) Close(e *Env, d *Desc) error {
	req := fsproto.CloseReq{FileID: d.Filefd().FileID()}
	err := e.fsipc(fsproto.ReqClose, req.Marshal, 0)

	// Drop whatever block pages reads and writes mapped in.
	data := d.DataVA()
	for off := kern.VA(0); off < kern.PDMap; off += kern.PageSize {
		if _, ok := e.sys.PageLookup(data + off); ok {
			e.sys.MemUnmap(0, data+off)
		}
	}

	return err
}

func (fileDevice) Stat(e *Env, d *Desc, st *Stat) error {
	rec := d.Filefd().File()
	st.Name = rec.Name()
	st.Size = rec.Size()
	st.IsDir = rec.Type() == fsproto.TypeDir
	return nil
}

func (fileDevice) Seek(e *Env, d *Desc, offset uint32) error {
	d.Fd().SetOffset(offset)
	return nil
}
