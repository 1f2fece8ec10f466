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

// Package client is the library a client environment links in to use the
// file system server: a descriptor table of fixed virtual pages, dispatch to
// device back-ends by device id, the file device speaking the IPC protocol,
// and a user-level fork that keeps descriptors shared with the child.
//
// Descriptor state lives entirely in pages at well-known addresses, so it
// needs no heap bookkeeping and survives fork by page sharing alone.
package client

import (
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

const (
	// MaxFD is the number of descriptor slots per environment.
	MaxFD = 32

	// FileBase is the base of the per-descriptor data regions, each PDMap
	// bytes: room for a file of the maximum size.
	FileBase kern.VA = 0x60000000

	// FDTable is the base of the descriptor pages, one page per slot.
	FDTable = FileBase - kern.PDMap
)

// indexToFd returns the fixed address of slot i's descriptor page.
func indexToFd(i int) kern.VA {
	return FDTable + kern.VA(i)*kern.PageSize
}

// indexToData returns the base of slot i's data region.
func indexToData(i int) kern.VA {
	return FileBase + kern.VA(i)*kern.PDMap
}

// Env is one client environment's view of the world: its syscall surface and
// the server's environment id. All descriptor state is in pages, so two Env
// values over the same environment behave identically.
type Env struct {
	sys  kern.Sys
	serv kern.EnvID
}

// NewEnv binds an environment to the server and installs the copy-on-write
// pager, which fork relies on.
func NewEnv(sys kern.Sys, serv kern.EnvID) *Env {
	e := &Env{sys: sys, serv: serv}
	sys.SetPgfaultHandler(e.pgfault)
	return e
}

// Desc is a live descriptor: its slot number, its page, and the page's
// address.
type Desc struct {
	num  int
	va   kern.VA
	page []byte
}

// Fd views the descriptor header.
func (d *Desc) Fd() fsproto.FdView { return fsproto.FdView(d.page) }

// Filefd views the whole Filefd page. Only meaningful for file-device
// descriptors, whose pages the server filled at open.
func (d *Desc) Filefd() fsproto.FilefdView { return fsproto.FilefdView(d.page) }

// DataVA returns the base of the descriptor's data region.
func (d *Desc) DataVA() kern.VA { return indexToData(d.num) }

// FdAlloc picks the lowest slot whose descriptor page is unmapped. It does
// not map the page; that is the opener's job (the server's open reply maps
// it for file descriptors).
func (e *Env) FdAlloc() (int, kern.VA, error) {
	for i := 0; i < MaxFD; i++ {
		va := indexToFd(i)
		if !e.sys.PdeLookup(va) {
			return i, va, nil
		}

		if _, ok := e.sys.PageLookup(va); !ok {
			return i, va, nil
		}
	}

	return 0, 0, fsproto.EMaxOpen
}

// fdLookup resolves a slot number to a live descriptor.
func (e *Env) fdLookup(fdnum int) (*Desc, error) {
	if fdnum < 0 || fdnum >= MaxFD {
		return nil, fsproto.EInval
	}

	va := indexToFd(fdnum)
	if _, ok := e.sys.PageLookup(va); !ok {
		return nil, fsproto.EInval
	}

	page, err := e.sys.PageForWrite(va)
	if err != nil {
		return nil, err
	}

	return &Desc{num: fdnum, va: va, page: page}, nil
}

// fdClose drops the slot's descriptor page, closing the slot locally. Any
// device-side close has already happened by the time this runs.
func (e *Env) fdClose(d *Desc) error {
	return e.sys.MemUnmap(0, d.va)
}

////////////////////////////////////////////////////////////////////////
// Descriptor operations
////////////////////////////////////////////////////////////////////////

// Close closes a descriptor: the device back-end first, then the slot.
func (e *Env) Close(fdnum int) error {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return err
	}

	dev, err := devLookup(d.Fd().DevID())
	if err != nil {
		return err
	}

	closeErr := dev.Close(e, d)
	if err := e.fdClose(d); err != nil {
		return err
	}

	return closeErr
}

// CloseAll closes every slot, ignoring slots that aren't open.
func (e *Env) CloseAll() {
	for i := 0; i < MaxFD; i++ {
		e.Close(i)
	}
}

// Read reads up to len(buf) bytes at the descriptor's offset, advancing it
// by the amount read when the device reports no error; after an error the
// offset is left unchanged. Reading a write-only descriptor fails.
func (e *Env) Read(fdnum int, buf []byte) (int, error) {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return 0, err
	}

	dev, err := devLookup(d.Fd().DevID())
	if err != nil {
		return 0, err
	}

	if d.Fd().OMode()&fsproto.OAccMode == fsproto.OWriteOnly {
		return 0, fsproto.EInval
	}

	n, err := dev.Read(e, d, buf, d.Fd().Offset())
	if err == nil {
		d.Fd().SetOffset(d.Fd().Offset() + uint32(n))
	}

	return n, err
}

// Readn reads exactly len(buf) bytes unless the file ends first, looping
// over short reads the way character devices need.
func (e *Env) Readn(fdnum int, buf []byte) (int, error) {
	var tot int
	for tot < len(buf) {
		m, err := e.Read(fdnum, buf[tot:])
		if err != nil {
			return tot, err
		}

		if m == 0 {
			break
		}

		tot += m
	}

	return tot, nil
}

// Write writes len(buf) bytes at the descriptor's offset, advancing it by
// the amount written when the device reports no error; after an error (even
// one following a partial write) the offset is left unchanged. Writing a
// read-only descriptor fails.
func (e *Env) Write(fdnum int, buf []byte) (int, error) {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return 0, err
	}

	dev, err := devLookup(d.Fd().DevID())
	if err != nil {
		return 0, err
	}

	if d.Fd().OMode()&fsproto.OAccMode == fsproto.OReadOnly {
		return 0, fsproto.EInval
	}

	n, err := dev.Write(e, d, buf, d.Fd().Offset())
	if err == nil && n > 0 {
		d.Fd().SetOffset(d.Fd().Offset() + uint32(n))
	}

	return n, err
}

// Seek sets the descriptor's offset.
func (e *Env) Seek(fdnum int, offset uint32) error {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return err
	}

	dev, err := devLookup(d.Fd().DevID())
	if err != nil {
		return err
	}

	return dev.Seek(e, d, offset)
}

// Fstat fills st from the descriptor's device.
func (e *Env) Fstat(fdnum int, st *Stat) error {
	d, err := e.fdLookup(fdnum)
	if err != nil {
		return err
	}

	dev, err := devLookup(d.Fd().DevID())
	if err != nil {
		return err
	}

	*st = Stat{Dev: dev}
	return dev.Stat(e, d, st)
}

// Stat stats a path: open read-only, fstat, close.
func (e *Env) Stat(path string, st *Stat) error {
	fdnum, err := e.Open(path, fsproto.OReadOnly)
	if err != nil {
		return err
	}

	statErr := e.Fstat(fdnum, st)
	if err := e.Close(fdnum); err != nil && statErr == nil {
		statErr = err
	}

	return statErr
}

// Dup clones descriptor oldfdnum into slot newfdnum, closing whatever was
// there. The two slots share the descriptor page and every resident page of
// the data region, so they share file state but the pair of mappings is
// undone on failure.
func (e *Env) Dup(oldfdnum, newfdnum int) (int, error) {
	old, err := e.fdLookup(oldfdnum)
	if err != nil {
		return 0, err
	}

	if newfdnum < 0 || newfdnum >= MaxFD {
		return 0, fsproto.EInval
	}

	e.Close(newfdnum)

	newVA := indexToFd(newfdnum)
	ova := indexToData(oldfdnum)
	nva := indexToData(newfdnum)

	unwind := func(err error) (int, error) {
		e.sys.MemUnmap(0, newVA)
		for off := kern.VA(0); off < kern.PDMap; off += kern.PageSize {
			e.sys.MemUnmap(0, nva+off)
		}

		return 0, err
	}

	if e.sys.PdeLookup(ova) {
		for off := kern.VA(0); off < kern.PDMap; off += kern.PageSize {
			perm, ok := e.sys.PageLookup(ova + off)
			if !ok {
				continue
			}

			perm &= kern.PermValid | kern.PermWrite | kern.PermLibrary
			if err := e.sys.MemMap(ova+off, 0, nva+off, perm); err != nil {
				return unwind(err)
			}
		}
	}

	perm, _ := e.sys.PageLookup(old.va)
	perm &= kern.PermValid | kern.PermWrite | kern.PermLibrary
	if err := e.sys.MemMap(old.va, 0, newVA, perm); err != nil {
		return unwind(err)
	}

	return newfdnum, nil
}

// ServerEnv returns the file server's environment id.
func (e *Env) ServerEnv() kern.EnvID { return e.serv }

// Sys returns the environment's syscall surface.
func (e *Env) Sys() kern.Sys { return e.sys }
