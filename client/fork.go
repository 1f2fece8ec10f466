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
	"fmt"

	"github.com/jacobsa/pagefs/kern"
)

// pgfault is the user-level pager NewEnv installs: on a write fault to a
// copy-on-write page it builds a private writable copy at a scratch address
// and swaps it in.
func (e *Env) pgfault(va kern.VA) {
	va &^= kern.PageSize - 1

	perm, ok := e.sys.PageLookup(va)
	if !ok || perm&kern.PermCOW == 0 {
		panic(fmt.Sprintf("pgfault at %#x: not a copy-on-write page", va))
	}

	perm &^= kern.PermCOW
	perm |= kern.PermWrite

	tmp := kern.UStackTop
	if err := e.sys.MemAlloc(0, tmp, perm); err != nil {
		panic(fmt.Sprintf("pgfault at %#x: mem_alloc: %v", va, err))
	}

	src, err := e.sys.PageForRead(va)
	if err != nil {
		panic(fmt.Sprintf("pgfault at %#x: %v", va, err))
	}

	dst, err := e.sys.PageForWrite(tmp)
	if err != nil {
		panic(fmt.Sprintf("pgfault at %#x: %v", va, err))
	}

	copy(dst, src)

	if err := e.sys.MemMap(tmp, 0, va, perm); err != nil {
		panic(fmt.Sprintf("pgfault at %#x: mem_map: %v", va, err))
	}

	if err := e.sys.MemUnmap(0, tmp); err != nil {
		panic(fmt.Sprintf("pgfault at %#x: mem_unmap: %v", va, err))
	}
}

// duppage shares the page at va with the child. Writable pages become
// read-only copy-on-write in both environments; pages carrying the
// library-shared bit (descriptor pages and data regions) keep their mapping
// as-is, which is what lets open files survive fork shared.
func (e *Env) duppage(child kern.EnvID, va kern.VA) error {
	perm, ok := e.sys.PageLookup(va)
	if !ok {
		return nil
	}

	if (perm&kern.PermCOW != 0 || perm&kern.PermWrite != 0) && perm&kern.PermLibrary == 0 {
		perm &^= kern.PermWrite
		perm |= kern.PermCOW
	}

	if err := e.sys.MemMap(va, child, va, perm); err != nil {
		return err
	}

	return e.sys.MemMap(va, 0, va, perm)
}

// Fork duplicates this environment's address space into a fresh environment
// and marks it runnable, returning its id. The caller gives the child a
// goroutine of its own by binding a new Env to the returned id; the child
// sees the parent's descriptors because their pages are shared, and its
// writable pages privatize lazily through the pager.
func (e *Env) Fork() (kern.EnvID, error) {
	child, err := e.sys.EnvAlloc()
	if err != nil {
		return 0, err
	}

	for base := kern.VA(0); base < kern.UStackTop; base += kern.PDMap {
		if !e.sys.PdeLookup(base) {
			continue
		}

		for va := base; va < base+kern.PDMap && va < kern.UStackTop; va += kern.PageSize {
			if err := e.duppage(child, va); err != nil {
				return 0, err
			}
		}
	}

	if err := e.sys.SetEnvStatus(child, true); err != nil {
		return 0, err
	}

	return child, nil
}
