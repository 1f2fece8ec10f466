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

package pagefs_test

import (
	"testing"

	. "github.com/jacobsa/ogletest"

	"github.com/jacobsa/pagefs"
	"github.com/jacobsa/pagefs/diskfs"
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
	"github.com/jacobsa/pagefs/kerntest"
)

func TestServer(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// The test client's scratch page for marshalling requests, and the base it
// receives Filefd pages at.
const (
	reqVA  kern.VA = 0x0f000000
	fdBase kern.VA = 0x30000000
)

type ServerTest struct {
	kernel *kerntest.Kernel
	disk   *diskfs.MemDisk
	server *pagefs.Server
	serv   kern.EnvID
	cli    kern.Sys

	served chan error
}

func init() { RegisterTestSuite(&ServerTest{}) }

func (t *ServerTest) SetUp(ti *TestInfo) {
	t.kernel = kerntest.NewKernel()
	t.disk = diskfs.NewMemDisk(1024 * kern.SectorsPerPage)
	AssertEq(nil, diskfs.Format(t.disk, 1024))

	servSys := t.kernel.NewEnv()
	t.serv = servSys.EnvID()

	var err error
	t.server, err = pagefs.NewServer(pagefs.ServerConfig{Sys: servSys, Disk: t.disk})
	AssertEq(nil, err)

	t.served = make(chan error, 1)
	go func() { t.served <- t.server.Serve() }()

	t.cli = t.kernel.NewEnv()
}

func (t *ServerTest) TearDown() {
	t.kernel.Close()
	AssertEq(nil, <-t.served)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// rpc sends one raw request from the test environment and returns the reply
// status and attached-page permissions.
func (t *ServerTest) rpc(code int32, marshal func([]byte) error, dst kern.VA) (int32, kern.Perm) {
	if _, ok := t.cli.PageLookup(reqVA); !ok {
		AssertEq(nil, t.cli.MemAlloc(0, reqVA, kern.PermValid|kern.PermWrite))
	}

	page, err := t.cli.PageForWrite(reqVA)
	AssertEq(nil, err)

	if marshal != nil {
		AssertEq(nil, marshal(page))
	}

	err = t.cli.IpcSend(t.serv, code, reqVA, kern.PermValid|kern.PermWrite)
	AssertEq(nil, err)

	val, from, perm, err := t.cli.IpcRecv(dst)
	AssertEq(nil, err)
	AssertEq(t.serv, from)
	return val, perm
}

func (t *ServerTest) open(path string, omode uint32, dst kern.VA) (int32, kern.Perm) {
	req := fsproto.OpenReq{Path: path, OMode: omode}
	return t.rpc(fsproto.ReqOpen, req.Marshal, dst)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) OpenFillsOutFilefd() {
	status, perm := t.open("/f", fsproto.OReadWrite|fsproto.OCreate, fdBase)
	AssertEq(0, status)

	// The page comes back shared and writable.
	AssertNe(0, perm&kern.PermLibrary)
	AssertNe(0, perm&kern.PermWrite)

	page, err := t.cli.PageForRead(fdBase)
	AssertEq(nil, err)

	ff := fsproto.FilefdView(page)
	ExpectEq(fsproto.DevIDFile, ff.Fd().DevID())
	ExpectEq(fsproto.OReadWrite|fsproto.OCreate, ff.Fd().OMode())
	ExpectEq(0, ff.Fd().Offset())
	ExpectEq("f", ff.File().Name())
	ExpectEq(0, ff.File().Size())

	// First generation of slot zero.
	ExpectEq(pagefs.MaxOpen, ff.FileID())
}

func (t *ServerTest) OpenNonexistentFails() {
	status, perm := t.open("/nope", fsproto.OReadOnly, fdBase)
	ExpectEq(fsproto.ENotFound, fsproto.StatusToError(status))
	ExpectEq(0, perm)
}

func (t *ServerTest) OpenExclusiveRefusesExisting() {
	status, _ := t.open("/x", fsproto.OReadWrite|fsproto.OCreate, fdBase)
	AssertEq(0, status)

	status, _ = t.open(
		"/x", fsproto.OReadWrite|fsproto.OCreate|fsproto.OExcl, fdBase+kern.PageSize)
	ExpectEq(fsproto.EFileExists, fsproto.StatusToError(status))
}

func (t *ServerTest) MapTransfersTheBlockPage() {
	status, _ := t.open("/m", fsproto.OReadWrite|fsproto.OCreate, fdBase)
	AssertEq(0, status)

	ffPage, err := t.cli.PageForRead(fdBase)
	AssertEq(nil, err)
	fileID := fsproto.FilefdView(ffPage).FileID()

	grow := fsproto.SetSizeReq{FileID: fileID, Size: 5}
	status, _ = t.rpc(fsproto.ReqSetSize, grow.Marshal, 0)
	AssertEq(0, status)

	const blockVA = fdBase + 0x100000
	mapReq := fsproto.MapReq{FileID: fileID, Offset: 0}
	status, perm := t.rpc(fsproto.ReqMap, mapReq.Marshal, blockVA)
	AssertEq(0, status)
	AssertNe(0, perm&kern.PermLibrary)

	// The mapping aliases the server's cache page: bytes written here are
	// what a second map sees.
	blk, err := t.cli.PageForWrite(blockVA)
	AssertEq(nil, err)
	copy(blk, "hello")

	const blockVA2 = blockVA + kern.PageSize
	status, _ = t.rpc(fsproto.ReqMap, mapReq.Marshal, blockVA2)
	AssertEq(0, status)

	blk2, err := t.cli.PageForRead(blockVA2)
	AssertEq(nil, err)
	ExpectEq("hello", string(blk2[:5]))
}

func (t *ServerTest) LookupRejectsBogusFileIDs() {
	for _, fileID := range []int32{-1, 0, 5, pagefs.MaxOpen + 7} {
		req := fsproto.CloseReq{FileID: fileID}
		status, _ := t.rpc(fsproto.ReqClose, req.Marshal, 0)
		ExpectEq(fsproto.EInval, fsproto.StatusToError(status), "fileID %d", fileID)
	}
}

func (t *ServerTest) StaleGenerationIsRejected() {
	status, _ := t.open("/g", fsproto.OReadWrite|fsproto.OCreate, fdBase)
	AssertEq(0, status)

	page, err := t.cli.PageForRead(fdBase)
	AssertEq(nil, err)
	fileID := fsproto.FilefdView(page).FileID()

	// Release the slot and reopen, moving the slot to its next generation.
	req := fsproto.CloseReq{FileID: fileID}
	status, _ = t.rpc(fsproto.ReqClose, req.Marshal, 0)
	AssertEq(0, status)
	AssertEq(nil, t.cli.MemUnmap(0, fdBase))

	status, _ = t.open("/g", fsproto.OReadWrite, fdBase)
	AssertEq(0, status)

	// The old id now names a dead generation.
	status, _ = t.rpc(fsproto.ReqClose, req.Marshal, 0)
	ExpectEq(fsproto.EInval, fsproto.StatusToError(status))
}

func (t *ServerTest) SlotRecyclingAcrossGenerations() {
	// Fill the entire open-file table.
	for i := 0; i < pagefs.MaxOpen; i++ {
		dst := fdBase + kern.VA(i)*kern.PageSize
		status, _ := t.open("/f", fsproto.OReadWrite|fsproto.OCreate, dst)
		AssertEq(0, status, "open %d", i)

		page, err := t.cli.PageForRead(dst)
		AssertEq(nil, err)
		AssertEq(pagefs.MaxOpen+i, fsproto.FilefdView(page).FileID())
	}

	// One more is too many.
	status, _ := t.open("/f", fsproto.OReadOnly, fdBase+pagefs.MaxOpen*kern.PageSize)
	ExpectEq(fsproto.EMaxOpen, fsproto.StatusToError(status))

	// Close and release every descriptor.
	for i := 0; i < pagefs.MaxOpen; i++ {
		dst := fdBase + kern.VA(i)*kern.PageSize
		page, err := t.cli.PageForRead(dst)
		AssertEq(nil, err)

		req := fsproto.CloseReq{FileID: fsproto.FilefdView(page).FileID()}
		status, _ := t.rpc(fsproto.ReqClose, req.Marshal, 0)
		AssertEq(0, status, "close %d", i)
		AssertEq(nil, t.cli.MemUnmap(0, dst))
	}

	// The next open lands in slot zero's second generation.
	status, _ = t.open("/f", fsproto.OReadOnly, fdBase)
	AssertEq(0, status)

	page, err := t.cli.PageForRead(fdBase)
	AssertEq(nil, err)
	ExpectEq(2*pagefs.MaxOpen, fsproto.FilefdView(page).FileID())
}

func (t *ServerTest) UnknownRequestCodesAreSkipped() {
	// No reply arrives for an unknown code; the server just moves on. A
	// subsequent valid request still works, proving the loop survived.
	if _, ok := t.cli.PageLookup(reqVA); !ok {
		AssertEq(nil, t.cli.MemAlloc(0, reqVA, kern.PermValid|kern.PermWrite))
	}

	AssertEq(nil, t.cli.IpcSend(t.serv, 99, reqVA, kern.PermValid|kern.PermWrite))

	status, _ := t.rpc(fsproto.ReqSync, nil, 0)
	ExpectEq(0, status)
}

func (t *ServerTest) RequestsWithoutArgumentPageAreIgnored() {
	AssertEq(nil, t.cli.IpcSend(t.serv, fsproto.ReqSync, 0, 0))

	status, _ := t.rpc(fsproto.ReqSync, nil, 0)
	ExpectEq(0, status)
}

func (t *ServerTest) RemoveAndSyncEndToEnd() {
	status, _ := t.open("/r", fsproto.OReadWrite|fsproto.OCreate, fdBase)
	AssertEq(0, status)

	page, err := t.cli.PageForRead(fdBase)
	AssertEq(nil, err)
	fileID := fsproto.FilefdView(page).FileID()

	dirty := fsproto.DirtyReq{FileID: fileID, Offset: 0}
	status, _ = t.rpc(fsproto.ReqDirty, dirty.Marshal, 0)
	AssertEq(0, status)

	closeReq := fsproto.CloseReq{FileID: fileID}
	status, _ = t.rpc(fsproto.ReqClose, closeReq.Marshal, 0)
	AssertEq(0, status)
	AssertEq(nil, t.cli.MemUnmap(0, fdBase))

	rm := fsproto.RemoveReq{Path: "/r"}
	status, _ = t.rpc(fsproto.ReqRemove, rm.Marshal, 0)
	AssertEq(0, status)

	status, _ = t.rpc(fsproto.ReqSync, nil, 0)
	AssertEq(0, status)

	status, _ = t.open("/r", fsproto.OReadOnly, fdBase)
	ExpectEq(fsproto.ENotFound, fsproto.StatusToError(status))
}
