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

package pagefs

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/timeutil"

	"github.com/jacobsa/pagefs/diskfs"
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

const (
	// MaxOpen is the number of open-file table slots.
	MaxOpen = 1024

	// FileVA is the base address of the Filefd pages, one page per open-file
	// slot.
	FileVA kern.VA = 0x60000000

	// ReqVA is the address the server receives each request's argument page
	// at. The page is unmapped after every request so the next receive can
	// map a fresh one.
	ReqVA kern.VA = 0x0ffff000
)

// ServerConfig carries the dependencies of a Server.
type ServerConfig struct {
	// The server environment's syscall surface and the disk holding the file
	// system.
	Sys  kern.Sys
	Disk kern.Disk

	// A clock used to time request handling in debug logs. Defaults to the
	// real clock.
	Clock timeutil.Clock

	// Loggers for per-request debug output and for errors. If nil, debug
	// output is controlled by the -pagefs.debug flag and errors go to the
	// debug logger.
	DebugLogger *log.Logger
	ErrorLogger *log.Logger

	// The context request trace spans hang off. Defaults to the background
	// context.
	OpContext context.Context
}

// Server is the file system server: the on-disk engine, the open-file
// table, and the request loop. It is single-threaded and cooperative; one
// request is processed to completion between receives.
type Server struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	sys         kern.Sys
	fs          *diskfs.FileSystem
	clock       timeutil.Clock
	debugLogger *log.Logger
	errorLogger *log.Logger
	opCtx       context.Context

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The open-file table. A slot's liveness is derived from the kernel
	// reference count of its Filefd page: zero means never mapped, one means
	// only the server holds it (clean and available), two or more means a
	// client holds a mapping.
	//
	// INVARIANT: For each i, opentab[i].ff == FileVA + i*PageSize
	// INVARIANT: For each i, opentab[i].fileID % MaxOpen == i
	// INVARIANT: For each slot with pageref(ff) >= 2, file != nil
	opentab [MaxOpen]openFile
}

// One open-file table slot.
type openFile struct {
	// The open file's record, resident in the cache. Nil until the slot's
	// first open.
	file *diskfs.File

	// The slot's current file id. Grows by MaxOpen per generation, so that
	// fileID % MaxOpen is the slot index and stale ids from earlier
	// generations never match.
	fileID int32

	// Open mode of the current generation.
	mode uint32

	// The fixed address of the slot's Filefd page.
	ff kern.VA
}

// NewServer initializes the open-file table and loads the file system,
// including the superblock and bitmap validation pass.
func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{
		sys:         cfg.Sys,
		fs:          diskfs.New(cfg.Sys, cfg.Disk),
		clock:       cfg.Clock,
		debugLogger: cfg.DebugLogger,
		errorLogger: cfg.ErrorLogger,
		opCtx:       cfg.OpContext,
	}

	if s.clock == nil {
		s.clock = timeutil.RealClock()
	}

	if s.debugLogger == nil {
		s.debugLogger = getLogger()
	}

	if s.errorLogger == nil {
		s.errorLogger = getLogger()
	}

	if s.opCtx == nil {
		s.opCtx = context.Background()
	}

	for i := range s.opentab {
		s.opentab[i].fileID = int32(i)
		s.opentab[i].ff = FileVA + kern.VA(i)*kern.PageSize
	}

	if err := s.fs.Init(); err != nil {
		return nil, fmt.Errorf("fs init: %w", err)
	}

	return s, nil
}

// FileSystem exposes the server's engine, e.g. for checks in tests.
func (s *Server) FileSystem() *diskfs.FileSystem {
	return s.fs
}

// Serve receives and handles requests until the kernel connection reports
// EOF. Requests without an argument page are malformed and are skipped
// without a reply, as are requests with unknown codes.
func (s *Server) Serve() error {
	for {
		val, whom, perm, err := s.sys.IpcRecv(ReqVA)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("ipc_recv: %w", err)
		}

		// All requests must contain an argument page.
		if perm&kern.PermValid == 0 {
			s.errorLogger.Printf("Invalid request from %08x: no argument page", whom)
			continue
		}

		s.handleRequest(whom, val)

		// Release the argument page so the next receive can map a new one.
		if err := s.sys.MemUnmap(0, ReqVA); err != nil {
			return fmt.Errorf("unmapping argument page: %w", err)
		}
	}
}

// Handle a single request and send its reply. A handler that fails must
// still reply, else the client hangs on its receive.
func (s *Server) handleRequest(whom kern.EnvID, code int32) {
	arg, err := s.sys.PageForRead(ReqVA)
	if err != nil {
		s.errorLogger.Printf("Request from %08x: argument page unreadable: %v", whom, err)
		return
	}

	s.debugLog(whom, "<- %s", fsproto.DescribeReq(code))
	start := s.clock.Now()

	_, report := reqtrace.StartSpan(s.opCtx, fsproto.DescribeReq(code))

	var page kern.VA
	var perm kern.Perm

	switch code {
	case fsproto.ReqOpen:
		page, perm, err = s.serveOpen(arg)
	case fsproto.ReqMap:
		page, perm, err = s.serveMap(arg)
	case fsproto.ReqSetSize:
		err = s.serveSetSize(arg)
	case fsproto.ReqClose:
		err = s.serveClose(arg)
	case fsproto.ReqDirty:
		err = s.serveDirty(arg)
	case fsproto.ReqRemove:
		err = s.serveRemove(arg)
	case fsproto.ReqSync:
		err = s.fs.Sync()
	default:
		s.errorLogger.Printf("Invalid request code %d from %08x", code, whom)
		report(nil)
		return
	}

	report(err)

	if err != nil {
		s.debugLog(whom, "-> Error: %q (%v)", err.Error(), s.clock.Now().Sub(start))
		page, perm = 0, 0
	} else {
		s.debugLog(whom, "-> OK (%v)", s.clock.Now().Sub(start))
	}

	if sendErr := s.sys.IpcSend(whom, fsproto.Status(err), page, perm); sendErr != nil {
		s.errorLogger.Printf("Replying to %08x: %v", whom, sendErr)
	}
}

func (s *Server) debugLog(whom kern.EnvID, format string, v ...interface{}) {
	if s.debugLogger == nil {
		return
	}

	s.debugLogger.Printf("Env %08x] %s", whom, fmt.Sprintf(format, v...))
}

////////////////////////////////////////////////////////////////////////
// Handlers
////////////////////////////////////////////////////////////////////////

func (s *Server) serveOpen(arg []byte) (kern.VA, kern.Perm, error) {
	var req fsproto.OpenReq
	req.Unmarshal(arg)

	o, err := s.openAlloc()
	if err != nil {
		return 0, 0, err
	}

	if req.OMode&fsproto.OCreate != 0 {
		ftype := fsproto.TypeRegular
		if req.OMode&fsproto.OMkDir != 0 {
			ftype = fsproto.TypeDir
		}

		if _, err := s.fs.Create(req.Path, ftype); err != nil {
			if err != fsproto.EFileExists || req.OMode&fsproto.OExcl != 0 {
				return 0, 0, err
			}
		}
	}

	f, err := s.fs.Open(req.Path)
	if err != nil {
		return 0, 0, err
	}

	if req.OMode&fsproto.OTrunc != 0 {
		if err := s.fs.SetSize(f, 0); err != nil {
			return 0, 0, err
		}
	}

	// Save the file and fill out the Filefd page.
	o.file = f
	o.mode = req.OMode

	page, err := s.sys.PageForWrite(o.ff)
	if err != nil {
		return 0, 0, err
	}

	ff := fsproto.FilefdView(page)
	f.Rec().CopyTo(ff.File())
	ff.SetFileID(o.fileID)
	ff.Fd().SetDevID(fsproto.DevIDFile)
	ff.Fd().SetOMode(req.OMode)
	ff.Fd().SetOffset(0)

	return o.ff, kern.PermValid | kern.PermWrite | kern.PermLibrary, nil
}

func (s *Server) serveMap(arg []byte) (kern.VA, kern.Perm, error) {
	var req fsproto.MapReq
	req.Unmarshal(arg)

	o, err := s.openLookup(req.FileID)
	if err != nil {
		return 0, 0, err
	}

	va, err := s.fs.GetBlockAddr(o.file, req.Offset/fsproto.BlockSize)
	if err != nil {
		return 0, 0, err
	}

	return va, kern.PermValid | kern.PermWrite | kern.PermLibrary, nil
}

func (s *Server) serveSetSize(arg []byte) error {
	var req fsproto.SetSizeReq
	req.Unmarshal(arg)

	o, err := s.openLookup(req.FileID)
	if err != nil {
		return err
	}

	return s.fs.SetSize(o.file, req.Size)
}

func (s *Server) serveClose(arg []byte) error {
	var req fsproto.CloseReq
	req.Unmarshal(arg)

	o, err := s.openLookup(req.FileID)
	if err != nil {
		return err
	}

	// Note that the server's own mapping of the Filefd page stays in place:
	// the slot returns to "clean and available" when the client unmaps its
	// side and the reference count falls back to one.
	return s.fs.CloseFile(o.file)
}

func (s *Server) serveDirty(arg []byte) error {
	var req fsproto.DirtyReq
	req.Unmarshal(arg)

	o, err := s.openLookup(req.FileID)
	if err != nil {
		return err
	}

	return s.fs.Dirty(o.file, req.Offset)
}

func (s *Server) serveRemove(arg []byte) error {
	var req fsproto.RemoveReq
	req.Unmarshal(arg)

	return s.fs.Remove(req.Path)
}

////////////////////////////////////////////////////////////////////////
// Open-file table
////////////////////////////////////////////////////////////////////////

// openAlloc finds an available slot: the first whose Filefd page either was
// never mapped (allocating it) or is held by the server alone. The slot
// moves to its next id generation and its page is zeroed.
func (s *Server) openAlloc() (*openFile, error) {
	for i := range s.opentab {
		o := &s.opentab[i]

		switch s.sys.Pageref(o.ff) {
		case 0:
			err := s.sys.MemAlloc(0, o.ff, kern.PermValid|kern.PermWrite|kern.PermLibrary)
			if err != nil {
				return nil, err
			}

			fallthrough

		case 1:
			o.fileID += MaxOpen

			page, err := s.sys.PageForWrite(o.ff)
			if err != nil {
				return nil, err
			}

			for j := range page {
				page[j] = 0
			}

			return o, nil
		}
	}

	return nil, fsproto.EMaxOpen
}

// openLookup resolves a client-supplied file id to a live slot. Ids whose
// slot has no client mapping, or whose generation doesn't match, are
// invalid.
func (s *Server) openLookup(fileID int32) (*openFile, error) {
	if fileID < 0 {
		return nil, fsproto.EInval
	}

	o := &s.opentab[fileID%MaxOpen]
	if s.sys.Pageref(o.ff) < 2 || o.fileID != fileID {
		return nil, fsproto.EInval
	}

	return o, nil
}
