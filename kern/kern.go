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

// Package kern declares the contracts for the kernel primitives the file
// system server and its clients consume: page-grained memory syscalls,
// synchronous IPC carrying at most one page, page reference counts,
// page-table introspection, and sector-grained disk I/O.
//
// The package defines interfaces only. The kerntest package provides an
// in-process implementation for tests and tools.
package kern

// EnvID identifies a process ("environment"). In syscall arguments the zero
// value means the calling environment, matching the kernel convention.
type EnvID uint32

// VA is a page-aligned virtual address within one environment's address
// space.
type VA uint32

// Perm is a set of page permission bits.
type Perm uint32

const (
	// PermValid marks a mapping present.
	PermValid Perm = 1 << 0

	// PermWrite marks a mapping writable.
	PermWrite Perm = 1 << 1

	// PermLibrary marks a page explicitly shared: fork inherits the mapping
	// as-is rather than marking it copy-on-write. Descriptor pages and their
	// data regions use it so open-file state survives fork shared.
	PermLibrary Perm = 1 << 2

	// PermCOW marks a mapping copy-on-write. The user-level pager privatizes
	// the page on the first write fault.
	PermCOW Perm = 1 << 3
)

const (
	// PageSize is the size of a page and of a disk block.
	PageSize = 4096

	// PDMap is the span of address space covered by one page directory
	// entry.
	PDMap = 1 << 22

	// SectorSize is the disk sector size.
	SectorSize = 512

	// SectorsPerPage is the number of disk sectors backing one page-sized
	// block.
	SectorsPerPage = PageSize / SectorSize

	// UStackTop is the top of the user address space that fork duplicates.
	// It is also available as a scratch mapping slot for the pager, which is
	// the one user of addresses at or above it.
	UStackTop VA = 0x7f3fe000
)

// Sys is one environment's syscall surface. A value is bound to a single
// environment; methods taking an EnvID accept zero for "this environment".
//
// Implementations must be safe for concurrent use by the environments they
// serve; any one environment is expected to issue calls serially.
type Sys interface {
	// EnvID returns the bound environment's id (never zero).
	EnvID() EnvID

	// MemAlloc backs va in env's address space with a fresh zeroed physical
	// page mapped with perm, replacing any existing mapping.
	MemAlloc(env EnvID, va VA, perm Perm) error

	// MemMap aliases the physical page behind srcVA in the calling
	// environment into dstEnv's address space at dstVA with perm.
	MemMap(srcVA VA, dstEnv EnvID, dstVA VA, perm Perm) error

	// MemUnmap removes env's mapping at va. Unmapping an absent page is not
	// an error.
	MemUnmap(env EnvID, va VA) error

	// IpcSend delivers val to the target environment, blocking until the
	// target enters IpcRecv. If srcPage is nonzero, the physical page behind
	// it is transferred: mapped into the receiver at its chosen address with
	// perm.
	IpcSend(to EnvID, val int32, srcPage VA, perm Perm) error

	// IpcRecv blocks until a sender arrives, then returns its value. If
	// dstVA is nonzero and the sender attached a page, the page is mapped
	// there and perm reports its permissions; perm is zero when no page
	// accompanied the message.
	IpcRecv(dstVA VA) (val int32, from EnvID, perm Perm, err error)

	// Pageref returns the reference count of the physical page mapped at va
	// in the calling environment, or zero if nothing is mapped there.
	Pageref(va VA) int

	// PageLookup reports the mapping at va, the page-table read the user
	// pager and fork use.
	PageLookup(va VA) (perm Perm, ok bool)

	// PdeLookup reports whether any page is mapped in the PDMap-sized region
	// containing va, letting address space scans skip empty regions.
	PdeLookup(va VA) bool

	// PageForRead returns the contents of the page mapped at va.
	PageForRead(va VA) ([]byte, error)

	// PageForWrite returns the page at va for mutation. If the mapping is
	// not writable but carries PermCOW, the registered page-fault handler
	// runs first, exactly as the hardware fault would drive it; the lookup
	// is then retried.
	PageForWrite(va VA) ([]byte, error)

	// EnvAlloc creates a new, empty, not-runnable environment.
	EnvAlloc() (EnvID, error)

	// SetEnvStatus marks env runnable or blocked.
	SetEnvStatus(env EnvID, runnable bool) error

	// SetPgfaultHandler installs the user-level pager for this environment.
	SetPgfaultHandler(h func(va VA))
}

// Disk is sector-grained access to one disk.
type Disk interface {
	// ReadSectors fills dst from the n sectors starting at sector.
	//
	// REQUIRES: len(dst) == n*SectorSize
	ReadSectors(sector uint32, n int, dst []byte) error

	// WriteSectors writes src to the n sectors starting at sector.
	//
	// REQUIRES: len(src) == n*SectorSize
	WriteSectors(sector uint32, n int, src []byte) error

	// Sectors returns the disk's capacity.
	Sectors() uint32
}
