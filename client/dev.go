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
	"sync"

	"github.com/jacobsa/pagefs/fsproto"
)

// Stat is the result of a stat operation.
type Stat struct {
	Name  string
	Size  uint32
	IsDir bool
	Dev   Device
}

// Device is one descriptor back-end. The file device is registered here; the
// console and pipe back-ends are external and register their own ids.
type Device interface {
	ID() uint32
	Name() string

	Read(e *Env, d *Desc, buf []byte, offset uint32) (int, error)
	Write(e *Env, d *Desc, buf []byte, offset uint32) (int, error)
	Close(e *Env, d *Desc) error
	Stat(e *Env, d *Desc, st *Stat) error
	Seek(e *Env, d *Desc, offset uint32) error
}

var gDevMu sync.Mutex

// The device table, keyed by device id.
//
// GUARDED_BY(gDevMu)
var gDevTab = make(map[uint32]Device)

// RegisterDev adds a device back-end to the table, replacing any previous
// holder of its id.
func RegisterDev(dev Device) {
	gDevMu.Lock()
	defer gDevMu.Unlock()

	gDevTab[dev.ID()] = dev
}

func devLookup(id uint32) (Device, error) {
	gDevMu.Lock()
	defer gDevMu.Unlock()

	if dev, ok := gDevTab[id]; ok {
		return dev, nil
	}

	return nil, fsproto.EInval
}

func init() {
	RegisterDev(fileDevice{})
}
