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

package client_test

import (
	"bytes"
	"testing"

	. "github.com/jacobsa/ogletest"

	"github.com/jacobsa/pagefs"
	"github.com/jacobsa/pagefs/client"
	"github.com/jacobsa/pagefs/diskfs"
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
	"github.com/jacobsa/pagefs/kerntest"
)

func TestClient(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ClientTest struct {
	kernel *kerntest.Kernel
	disk   *diskfs.MemDisk
	server *pagefs.Server
	env    *client.Env

	served chan error
}

func init() { RegisterTestSuite(&ClientTest{}) }

func (t *ClientTest) SetUp(ti *TestInfo) {
	t.startServer(1024)
}

func (t *ClientTest) startServer(nblocks uint32) {
	t.kernel = kerntest.NewKernel()
	t.disk = diskfs.NewMemDisk(nblocks * kern.SectorsPerPage)
	AssertEq(nil, diskfs.Format(t.disk, nblocks))

	servSys := t.kernel.NewEnv()

	var err error
	t.server, err = pagefs.NewServer(pagefs.ServerConfig{Sys: servSys, Disk: t.disk})
	AssertEq(nil, err)

	t.served = make(chan error, 1)
	go func() { t.served <- t.server.Serve() }()

	t.env = client.NewEnv(t.kernel.NewEnv(), servSys.EnvID())
}

func (t *ClientTest) TearDown() {
	t.kernel.Close()
	AssertEq(nil, <-t.served)
}

// forkEnv forks t.env and returns a handle bound to the child environment.
func (t *ClientTest) forkEnv() *client.Env {
	childID, err := t.env.Fork()
	AssertEq(nil, err)

	childSys, err := t.kernel.SysFor(childID)
	AssertEq(nil, err)

	return client.NewEnv(childSys, t.env.ServerEnv())
}

func (t *ClientTest) check() diskfs.CheckStats {
	AssertEq(nil, t.env.Sync())
	stats, err := diskfs.Check(t.disk)
	AssertEq(nil, err)
	return stats
}

////////////////////////////////////////////////////////////////////////
// Basic read/write
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) WriteThenReadBack() {
	fd, err := t.env.Open("/a", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	n, err := t.env.Write(fd, []byte("hello"))
	AssertEq(nil, err)
	AssertEq(5, n)

	AssertEq(nil, t.env.Seek(fd, 0))

	buf := make([]byte, 5)
	n, err = t.env.Read(fd, buf)
	AssertEq(nil, err)
	AssertEq(5, n)
	ExpectEq("hello", string(buf))

	var st client.Stat
	AssertEq(nil, t.env.Fstat(fd, &st))
	ExpectEq("a", st.Name)
	ExpectEq(5, st.Size)
	ExpectFalse(st.IsDir)

	AssertEq(nil, t.env.Close(fd))

	// One data block allocated and marked in-use.
	stats := t.check()
	ExpectEq(2, stats.UsedBlocks)
	ExpectEq(1, stats.Files)
}

func (t *ClientTest) ReadAtEOFReturnsZero() {
	fd, err := t.env.Open("/eof", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, []byte("xy"))
	AssertEq(nil, err)

	// The offset now sits at end of file.
	n, err := t.env.Read(fd, make([]byte, 10))
	AssertEq(nil, err)
	ExpectEq(0, n)
}

func (t *ClientTest) ReadSpansBlocks() {
	pattern := make([]byte, 10000)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}

	fd, err := t.env.Open("/span", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, pattern)
	AssertEq(nil, err)

	AssertEq(nil, t.env.Seek(fd, 3000))
	buf := make([]byte, 5000)
	n, err := t.env.Readn(fd, buf)
	AssertEq(nil, err)
	AssertEq(5000, n)
	ExpectTrue(bytes.Equal(pattern[3000:8000], buf))
}

func (t *ClientTest) ModeChecks() {
	fd, err := t.env.Open("/w", fsproto.OWriteOnly|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Read(fd, make([]byte, 1))
	ExpectEq(fsproto.EInval, err)

	rd, err := t.env.Open("/w", fsproto.OReadOnly)
	AssertEq(nil, err)

	_, err = t.env.Write(rd, []byte("x"))
	ExpectEq(fsproto.EInval, err)

	ExpectEq(fsproto.EInval, t.env.Ftruncate(rd, 0))
}

func (t *ClientTest) WritePastEndExtends() {
	fd, err := t.env.Open("/ext", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	AssertEq(nil, t.env.Seek(fd, 6000))
	_, err = t.env.Write(fd, []byte("tail"))
	AssertEq(nil, err)

	var st client.Stat
	AssertEq(nil, t.env.Fstat(fd, &st))
	ExpectEq(6004, st.Size)

	AssertEq(nil, t.env.Seek(fd, 6000))
	buf := make([]byte, 4)
	_, err = t.env.Readn(fd, buf)
	AssertEq(nil, err)
	ExpectEq("tail", string(buf))
}

////////////////////////////////////////////////////////////////////////
// Indirect blocks and truncation
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) IndirectCrossover() {
	payload := bytes.Repeat([]byte{0xaa}, 11*fsproto.BlockSize)

	fd, err := t.env.Open("/big", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	n, err := t.env.Write(fd, payload)
	AssertEq(nil, err)
	AssertEq(len(payload), n)

	AssertEq(nil, t.env.Seek(fd, 0))
	buf := make([]byte, len(payload))
	n, err = t.env.Readn(fd, buf)
	AssertEq(nil, err)
	AssertEq(len(payload), n)
	ExpectTrue(bytes.Equal(payload, buf))

	AssertEq(nil, t.env.Close(fd))

	// Eleven data blocks, one indirect block, one root directory block.
	stats := t.check()
	ExpectEq(13, stats.UsedBlocks)
}

func (t *ClientTest) TruncateShrinksAndFrees() {
	fd, err := t.env.Open("/t", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, make([]byte, 5*fsproto.BlockSize))
	AssertEq(nil, err)

	AssertEq(nil, t.env.Ftruncate(fd, fsproto.BlockSize))

	var st client.Stat
	AssertEq(nil, t.env.Fstat(fd, &st))
	ExpectEq(fsproto.BlockSize, st.Size)

	AssertEq(nil, t.env.Close(fd))

	// Four blocks went back to the bitmap.
	stats := t.check()
	ExpectEq(2, stats.UsedBlocks)
}

func (t *ClientTest) TruncateToZeroThenRewrite() {
	fd, err := t.env.Open("/z", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, []byte("before"))
	AssertEq(nil, err)

	AssertEq(nil, t.env.Ftruncate(fd, 0))
	AssertEq(nil, t.env.Seek(fd, 0))

	_, err = t.env.Write(fd, []byte("after"))
	AssertEq(nil, err)

	AssertEq(nil, t.env.Seek(fd, 0))
	buf := make([]byte, 5)
	_, err = t.env.Readn(fd, buf)
	AssertEq(nil, err)
	ExpectEq("after", string(buf))
}

////////////////////////////////////////////////////////////////////////
// Directories, create, remove
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) DirectoryGrowth() {
	names := make([]string, 17)
	for i := range names {
		names[i] = "/f" + string(rune('a'+i))
		fd, err := t.env.Open(names[i], fsproto.OReadWrite|fsproto.OCreate)
		AssertEq(nil, err, "create %s", names[i])
		AssertEq(nil, t.env.Close(fd))
	}

	var st client.Stat
	AssertEq(nil, t.env.Stat("/", &st))
	ExpectTrue(st.IsDir)
	ExpectEq(2*fsproto.BlockSize, st.Size)
}

func (t *ClientTest) CreateRemoveOpenCycle() {
	fd, err := t.env.Open("/cycle", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)
	_, err = t.env.Write(fd, []byte("data"))
	AssertEq(nil, err)
	AssertEq(nil, t.env.Close(fd))

	AssertEq(nil, t.env.Remove("/cycle"))

	_, err = t.env.Open("/cycle", fsproto.OReadOnly)
	ExpectEq(fsproto.ENotFound, err)
}

func (t *ClientTest) MkDirAndNest() {
	fd, err := t.env.Open("/dir", fsproto.OReadOnly|fsproto.OCreate|fsproto.OMkDir)
	AssertEq(nil, err)
	AssertEq(nil, t.env.Close(fd))

	inner, err := t.env.Open("/dir/file", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)
	_, err = t.env.Write(inner, []byte("nested"))
	AssertEq(nil, err)
	AssertEq(nil, t.env.Close(inner))

	var st client.Stat
	AssertEq(nil, t.env.Stat("/dir/file", &st))
	ExpectEq(6, st.Size)
	ExpectFalse(st.IsDir)
}

////////////////////////////////////////////////////////////////////////
// Descriptor table behavior
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) DescriptorSlotsAreRecycled() {
	fd, err := t.env.Open("/slots", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)
	AssertEq(0, fd)
	AssertEq(nil, t.env.Close(fd))

	// The lowest free slot is handed out again.
	fd2, err := t.env.Open("/slots", fsproto.OReadOnly)
	AssertEq(nil, err)
	ExpectEq(0, fd2)
}

func (t *ClientTest) OutOfDescriptors() {
	for i := 0; i < client.MaxFD; i++ {
		_, err := t.env.Open("/slots", fsproto.OReadWrite|fsproto.OCreate)
		AssertEq(nil, err, "open %d", i)
	}

	_, err := t.env.Open("/slots", fsproto.OReadOnly)
	ExpectEq(fsproto.EMaxOpen, err)

	t.env.CloseAll()

	_, err = t.env.Open("/slots", fsproto.OReadOnly)
	ExpectEq(nil, err)
}

func (t *ClientTest) DupSharesFileState() {
	fd, err := t.env.Open("/dup", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, []byte("xyz"))
	AssertEq(nil, err)
	AssertEq(nil, t.env.Seek(fd, 0))

	newfd, err := t.env.Dup(fd, 10)
	AssertEq(nil, err)
	AssertEq(10, newfd)

	// The descriptor page is shared, so the offset is too.
	buf := make([]byte, 3)
	n, err := t.env.Readn(newfd, buf)
	AssertEq(nil, err)
	AssertEq(3, n)
	ExpectEq("xyz", string(buf))

	n, err = t.env.Read(fd, make([]byte, 3))
	AssertEq(nil, err)
	ExpectEq(0, n)

	// Closing one leaves the other usable.
	AssertEq(nil, t.env.Close(fd))
	AssertEq(nil, t.env.Seek(newfd, 1))

	_, err = t.env.Readn(newfd, buf[:2])
	AssertEq(nil, err)
	ExpectEq("yz", string(buf[:2]))
}

func (t *ClientTest) InvalidDescriptors() {
	_, err := t.env.Read(7, make([]byte, 1))
	ExpectEq(fsproto.EInval, err)

	_, err = t.env.Read(-1, make([]byte, 1))
	ExpectEq(fsproto.EInval, err)

	_, err = t.env.Read(client.MaxFD, make([]byte, 1))
	ExpectEq(fsproto.EInval, err)

	ExpectEq(fsproto.EInval, t.env.Close(7))
}

////////////////////////////////////////////////////////////////////////
// Resource exhaustion
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) OutOfDiskBlocks() {
	// Restart on a tiny disk: blocks 0-2 are metadata, five are free.
	t.kernel.Close()
	AssertEq(nil, <-t.served)
	t.startServer(8)

	// Creating the file costs one block for the root directory, leaving
	// four for data.
	fd, err := t.env.Open("/full", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	n, err := t.env.Write(fd, make([]byte, 5*fsproto.BlockSize))
	ExpectEq(fsproto.ENoDisk, err)
	ExpectEq(4*fsproto.BlockSize, n)
}

////////////////////////////////////////////////////////////////////////
// Sync
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) SyncIsIdempotent() {
	fd, err := t.env.Open("/s", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)
	_, err = t.env.Write(fd, bytes.Repeat([]byte{0x55}, 3*fsproto.BlockSize))
	AssertEq(nil, err)

	AssertEq(nil, t.env.Sync())
	first := make([]byte, int(t.disk.Sectors())*kern.SectorSize)
	AssertEq(nil, t.disk.ReadSectors(0, int(t.disk.Sectors()), first))

	AssertEq(nil, t.env.Sync())
	second := make([]byte, len(first))
	AssertEq(nil, t.disk.ReadSectors(0, int(t.disk.Sectors()), second))

	ExpectTrue(bytes.Equal(first, second))
}

////////////////////////////////////////////////////////////////////////
// Fork
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) ForkPreservesDescriptors() {
	fd, err := t.env.Open("/f", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, []byte("abc"))
	AssertEq(nil, err)
	AssertEq(nil, t.env.Seek(fd, 0))

	child := t.forkEnv()

	// The child reads what the parent wrote before the fork, through the
	// inherited descriptor.
	buf := make([]byte, 3)
	n, err := child.Readn(fd, buf)
	AssertEq(nil, err)
	AssertEq(3, n)
	ExpectEq("abc", string(buf))

	// The descriptor page is shared, so the child's read moved the parent's
	// offset too.
	n, err = t.env.Read(fd, make([]byte, 3))
	AssertEq(nil, err)
	ExpectEq(0, n)
}

func (t *ClientTest) ForkSharedOffsetFollowsWrites() {
	fd, err := t.env.Open("/off", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	child := t.forkEnv()

	// Writes from either side append, because the offset lives in the
	// shared descriptor page.
	_, err = t.env.Write(fd, []byte("one"))
	AssertEq(nil, err)

	_, err = child.Write(fd, []byte("two"))
	AssertEq(nil, err)

	AssertEq(nil, t.env.Seek(fd, 0))
	buf := make([]byte, 6)
	_, err = child.Readn(fd, buf)
	AssertEq(nil, err)
	ExpectEq("onetwo", string(buf))
}

func (t *ClientTest) ForkChildCloseKeepsParentAlive() {
	fd, err := t.env.Open("/keep", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, []byte("live"))
	AssertEq(nil, err)

	child := t.forkEnv()
	AssertEq(nil, child.Close(fd))

	// The server slot stays live: the parent still holds its mapping.
	AssertEq(nil, t.env.Seek(fd, 0))
	buf := make([]byte, 4)
	_, err = t.env.Readn(fd, buf)
	AssertEq(nil, err)
	ExpectEq("live", string(buf))
}

func (t *ClientTest) ForkAfterAndBeforeRequestsBothWork() {
	// The fsipc scratch page goes copy-on-write at fork; both sides must
	// privatize and carry on.
	fd, err := t.env.Open("/cow", fsproto.OReadWrite|fsproto.OCreate)
	AssertEq(nil, err)

	child := t.forkEnv()

	_, err = t.env.Write(fd, []byte("parent"))
	AssertEq(nil, err)

	var st client.Stat
	AssertEq(nil, child.Stat("/cow", &st))
	ExpectEq(6, st.Size)
}

////////////////////////////////////////////////////////////////////////
// Console device
////////////////////////////////////////////////////////////////////////

func (t *ClientTest) ConsoleDevice() {
	var out bytes.Buffer
	client.RegisterDev(kerntest.NewConsDevice(bytes.NewBufferString("input"), &out))

	fd, err := kerntest.OpenCons(t.env, fsproto.OReadWrite)
	AssertEq(nil, err)

	_, err = t.env.Write(fd, []byte("output"))
	AssertEq(nil, err)
	ExpectEq("output", out.String())

	buf := make([]byte, 5)
	n, err := t.env.Readn(fd, buf)
	AssertEq(nil, err)
	AssertEq(5, n)
	ExpectEq("input", string(buf))

	var st client.Stat
	AssertEq(nil, t.env.Fstat(fd, &st))
	ExpectEq("<cons>", st.Name)

	AssertEq(nil, t.env.Close(fd))
}
