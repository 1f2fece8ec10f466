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

// Package kerntest provides an in-process implementation of the kern
// interfaces, standing in for the microkernel in tests and offline tools.
// Environments are goroutines holding Sys handles; pages are refcounted
// buffers; IPC is a blocking rendezvous that can transfer one page per
// message, just like the real primitive.
package kerntest

import (
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

// A refcounted physical page.
type physPage struct {
	data [kern.PageSize]byte

	// Number of page-table entries referencing this page, across all
	// environments.
	ref int
}

// One environment's page-table entry.
type pte struct {
	pg   *physPage
	perm kern.Perm
}

type env struct {
	id kern.EnvID

	// Sparse page table.
	pages map[kern.VA]*pte

	runnable bool

	// The user-level pager, if installed. Called without the kernel lock
	// held, since it re-enters the syscall surface.
	pgfault func(va kern.VA)

	// IPC receive state. An environment parks in IpcRecv by setting recving
	// and waiting for a sender to fill the msg fields.
	recving bool
	recvVA  kern.VA
	gotMsg  bool
	msgVal  int32
	msgFrom kern.EnvID
	msgPerm kern.Perm
}

// Kernel is the fake kernel. Create one with NewKernel, mint environments
// with NewEnv or through Sys.EnvAlloc, and shut the whole machine down with
// Close to unblock any parked receivers.
type Kernel struct {
	mu   sync.Mutex
	cond *sync.Cond

	// GUARDED_BY(mu)
	envs map[kern.EnvID]*env

	// GUARDED_BY(mu)
	nextID kern.EnvID

	// GUARDED_BY(mu)
	closed bool
}

func NewKernel() *Kernel {
	k := &Kernel{
		envs:   make(map[kern.EnvID]*env),
		nextID: 1,
	}

	k.cond = sync.NewCond(&k.mu)
	return k
}

// NewEnv creates a runnable environment and returns its syscall handle.
func (k *Kernel) NewEnv() kern.Sys {
	k.mu.Lock()
	defer k.mu.Unlock()

	e := k.newEnvLocked()
	e.runnable = true
	return &sysHandle{k: k, id: e.id}
}

// SysFor returns a syscall handle bound to an environment previously created
// through Sys.EnvAlloc, so the caller can run code "inside" the child.
func (k *Kernel) SysFor(id kern.EnvID) (kern.Sys, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.envs[id]; !ok {
		return nil, fmt.Errorf("no such env %d: %w", id, fsproto.EBadEnv)
	}

	return &sysHandle{k: k, id: id}, nil
}

// Close shuts the machine down. Parked and future receivers see io.EOF, which
// serve loops treat as a clean stop.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.closed = true
	k.cond.Broadcast()
}

// CheckInvariants panics if any physical page's refcount disagrees with the
// number of page-table entries referencing it.
func (k *Kernel) CheckInvariants() {
	k.mu.Lock()
	defer k.mu.Unlock()

	refs := make(map[*physPage]int)
	for _, e := range k.envs {
		for _, t := range e.pages {
			refs[t.pg]++
		}
	}

	for pg, n := range refs {
		if pg.ref != n {
			panic(fmt.Sprintf("pageref %d but %d mappings", pg.ref, n))
		}
	}
}

// LOCKS_REQUIRED(k.mu)
func (k *Kernel) newEnvLocked() *env {
	e := &env{
		id:    k.nextID,
		pages: make(map[kern.VA]*pte),
	}

	k.nextID++
	k.envs[e.id] = e
	return e
}

// LOCKS_REQUIRED(k.mu)
func (k *Kernel) envLocked(caller kern.EnvID, id kern.EnvID) (*env, error) {
	if id == 0 {
		id = caller
	}

	e, ok := k.envs[id]
	if !ok {
		return nil, fmt.Errorf("no such env %d: %w", id, fsproto.EBadEnv)
	}

	return e, nil
}

// Install pg at va in e, replacing any existing mapping.
//
// LOCKS_REQUIRED(k.mu)
func (k *Kernel) insertLocked(e *env, va kern.VA, pg *physPage, perm kern.Perm) {
	if va%kern.PageSize != 0 {
		panic(fmt.Sprintf("unaligned va %#x", va))
	}

	if old, ok := e.pages[va]; ok {
		old.pg.ref--
	}

	pg.ref++
	e.pages[va] = &pte{pg: pg, perm: perm | kern.PermValid}
}

// LOCKS_REQUIRED(k.mu)
func (k *Kernel) removeLocked(e *env, va kern.VA) {
	if t, ok := e.pages[va]; ok {
		t.pg.ref--
		delete(e.pages, va)
	}
}

////////////////////////////////////////////////////////////////////////
// Syscall surface
////////////////////////////////////////////////////////////////////////

// sysHandle implements kern.Sys for one environment.
type sysHandle struct {
	k  *Kernel
	id kern.EnvID
}

func (s *sysHandle) EnvID() kern.EnvID {
	return s.id
}

func (s *sysHandle) MemAlloc(envID kern.EnvID, va kern.VA, perm kern.Perm) error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	e, err := s.k.envLocked(s.id, envID)
	if err != nil {
		return err
	}

	s.k.insertLocked(e, va, &physPage{}, perm)
	return nil
}

func (s *sysHandle) MemMap(srcVA kern.VA, dstEnv kern.EnvID, dstVA kern.VA, perm kern.Perm) error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	src, err := s.k.envLocked(s.id, 0)
	if err != nil {
		return err
	}

	t, ok := src.pages[srcVA]
	if !ok {
		return fmt.Errorf("mem_map of unmapped va %#x: %w", srcVA, fsproto.EInval)
	}

	dst, err := s.k.envLocked(s.id, dstEnv)
	if err != nil {
		return err
	}

	s.k.insertLocked(dst, dstVA, t.pg, perm)
	return nil
}

func (s *sysHandle) MemUnmap(envID kern.EnvID, va kern.VA) error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	e, err := s.k.envLocked(s.id, envID)
	if err != nil {
		return err
	}

	s.k.removeLocked(e, va)
	return nil
}

func (s *sysHandle) IpcSend(to kern.EnvID, val int32, srcPage kern.VA, perm kern.Perm) error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	for {
		if s.k.closed {
			return io.EOF
		}

		target, err := s.k.envLocked(s.id, to)
		if err != nil {
			return err
		}

		if target.recving && !target.gotMsg {
			// Transfer the page, if the sender attached one and the receiver
			// asked for one.
			target.msgPerm = 0
			if srcPage != 0 && perm&kern.PermValid != 0 {
				me := s.k.envs[s.id]
				t, ok := me.pages[srcPage]
				if !ok {
					return fmt.Errorf("ipc_send of unmapped page %#x: %w", srcPage, fsproto.EInval)
				}

				if target.recvVA != 0 {
					s.k.insertLocked(target, target.recvVA, t.pg, perm)
					target.msgPerm = perm | kern.PermValid
				}
			}

			target.msgVal = val
			target.msgFrom = s.id
			target.gotMsg = true
			s.k.cond.Broadcast()
			return nil
		}

		// The real library spins on -E_IPC_NOT_RECV, yielding between
		// attempts. Waiting on the condition variable is that loop.
		s.k.cond.Wait()
	}
}

func (s *sysHandle) IpcRecv(dstVA kern.VA) (int32, kern.EnvID, kern.Perm, error) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	e := s.k.envs[s.id]
	e.recving = true
	e.recvVA = dstVA
	e.gotMsg = false
	s.k.cond.Broadcast()

	for !e.gotMsg {
		if s.k.closed {
			e.recving = false
			return 0, 0, 0, io.EOF
		}

		s.k.cond.Wait()
	}

	e.recving = false
	return e.msgVal, e.msgFrom, e.msgPerm, nil
}

func (s *sysHandle) Pageref(va kern.VA) int {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	if t, ok := s.k.envs[s.id].pages[va]; ok {
		return t.pg.ref
	}

	return 0
}

func (s *sysHandle) PageLookup(va kern.VA) (kern.Perm, bool) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	if t, ok := s.k.envs[s.id].pages[va]; ok {
		return t.perm, true
	}

	return 0, false
}

func (s *sysHandle) PdeLookup(va kern.VA) bool {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	base := va &^ (kern.PDMap - 1)
	for mapped := range s.k.envs[s.id].pages {
		if mapped&^(kern.PDMap-1) == base {
			return true
		}
	}

	return false
}

func (s *sysHandle) PageForRead(va kern.VA) ([]byte, error) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	t, ok := s.k.envs[s.id].pages[va]
	if !ok {
		return nil, fmt.Errorf("read of unmapped va %#x: %w", va, fsproto.EInval)
	}

	return t.pg.data[:], nil
}

func (s *sysHandle) PageForWrite(va kern.VA) ([]byte, error) {
	s.k.mu.Lock()

	e := s.k.envs[s.id]
	t, ok := e.pages[va]
	if ok && t.perm&kern.PermWrite != 0 {
		s.k.mu.Unlock()
		return t.pg.data[:], nil
	}

	// A write to a copy-on-write mapping raises a fault that the kernel
	// forwards to the environment's pager, which runs in user space and
	// re-enters the syscall surface. Drop the lock for the upcall.
	handler := e.pgfault
	s.k.mu.Unlock()

	if !ok || t.perm&kern.PermCOW == 0 || handler == nil {
		return nil, fmt.Errorf("write fault at %#x: %w", va, fsproto.EInval)
	}

	handler(va)

	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	t, ok = e.pages[va]
	if !ok || t.perm&kern.PermWrite == 0 {
		return nil, fmt.Errorf("pager left %#x unwritable: %w", va, fsproto.EInval)
	}

	return t.pg.data[:], nil
}

func (s *sysHandle) EnvAlloc() (kern.EnvID, error) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	if s.k.closed {
		return 0, io.EOF
	}

	return s.k.newEnvLocked().id, nil
}

func (s *sysHandle) SetEnvStatus(envID kern.EnvID, runnable bool) error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	e, err := s.k.envLocked(s.id, envID)
	if err != nil {
		return err
	}

	e.runnable = runnable
	return nil
}

func (s *sysHandle) SetPgfaultHandler(h func(va kern.VA)) {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()

	s.k.envs[s.id].pgfault = h
}
