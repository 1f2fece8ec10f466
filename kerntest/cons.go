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

package kerntest

import (
	"io"
	"sync"

	"github.com/jacobsa/pagefs/client"
	"github.com/jacobsa/pagefs/fsproto"
	"github.com/jacobsa/pagefs/kern"
)

// ConsDevice is a console back-end for the descriptor layer, backed by plain
// readers and writers. It stands in for the real console driver, which obeys
// the same device interface.
type ConsDevice struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	in io.Reader

	// GUARDED_BY(mu)
	out io.Writer
}

func NewConsDevice(in io.Reader, out io.Writer) *ConsDevice {
	return &ConsDevice{in: in, out: out}
}

// OpenCons opens a console descriptor in e: the descriptor page is a local
// allocation, not a server transfer, but it carries the library-shared bit
// so it survives fork like any other descriptor.
func OpenCons(e *client.Env, omode uint32) (int, error) {
	fdnum, va, err := e.FdAlloc()
	if err != nil {
		return 0, err
	}

	perm := kern.PermValid | kern.PermWrite | kern.PermLibrary
	if err := e.Sys().MemAlloc(0, va, perm); err != nil {
		return 0, err
	}

	page, err := e.Sys().PageForWrite(va)
	if err != nil {
		return 0, err
	}

	fd := fsproto.FdView(page)
	fd.SetDevID(fsproto.DevIDCons)
	fd.SetOMode(omode)
	fd.SetOffset(0)
	return fdnum, nil
}

func (d *ConsDevice) ID() uint32 { return fsproto.DevIDCons }

func (d *ConsDevice) Name() string { return "cons" }

func (d *ConsDevice) Read(e *client.Env, desc *client.Desc, buf []byte, offset uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.in.Read(buf)
	if err == io.EOF {
		err = nil
	}

	return n, err
}

func (d *ConsDevice) Write(e *client.Env, desc *client.Desc, buf []byte, offset uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.out.Write(buf)
}

func (d *ConsDevice) Close(e *client.Env, desc *client.Desc) error {
	return nil
}

func (d *ConsDevice) Stat(e *client.Env, desc *client.Desc, st *client.Stat) error {
	st.Name = "<cons>"
	return nil
}

func (d *ConsDevice) Seek(e *client.Env, desc *client.Desc, offset uint32) error {
	return nil
}
