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

package diskfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/pagefs/kern"
)

// MemDisk is a kern.Disk backed by a byte slice, for tests.
type MemDisk struct {
	data []byte
}

// NewMemDisk makes a zeroed in-memory disk of the given sector count.
func NewMemDisk(sectors uint32) *MemDisk {
	return &MemDisk{data: make([]byte, int(sectors)*kern.SectorSize)}
}

func (d *MemDisk) Sectors() uint32 {
	return uint32(len(d.data) / kern.SectorSize)
}

func (d *MemDisk) ReadSectors(sector uint32, n int, dst []byte) error {
	if err := checkSectorIO(d.Sectors(), sector, n, len(dst)); err != nil {
		return err
	}

	copy(dst, d.data[int(sector)*kern.SectorSize:])
	return nil
}

func (d *MemDisk) WriteSectors(sector uint32, n int, src []byte) error {
	if err := checkSectorIO(d.Sectors(), sector, n, len(src)); err != nil {
		return err
	}

	copy(d.data[int(sector)*kern.SectorSize:], src)
	return nil
}

// FileDisk is a kern.Disk backed by a host image file.
type FileDisk struct {
	f       *os.File
	sectors uint32
}

// OpenFileDisk opens an existing image file as a disk. The image length must
// be a multiple of the sector size.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size()%kern.SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("image size %d not a multiple of %d", fi.Size(), kern.SectorSize)
	}

	return &FileDisk{f: f, sectors: uint32(fi.Size() / kern.SectorSize)}, nil
}

// NewFileDisk wraps an already-open image file of the given sector count,
// e.g. one just created by mkfs.
func NewFileDisk(f *os.File, sectors uint32) *FileDisk {
	return &FileDisk{f: f, sectors: sectors}
}

func (d *FileDisk) Sectors() uint32 {
	return d.sectors
}

func (d *FileDisk) ReadSectors(sector uint32, n int, dst []byte) error {
	if err := checkSectorIO(d.sectors, sector, n, len(dst)); err != nil {
		return err
	}

	if _, err := unix.Pread(int(d.f.Fd()), dst, int64(sector)*kern.SectorSize); err != nil {
		return fmt.Errorf("pread sector %d: %w", sector, err)
	}

	return nil
}

func (d *FileDisk) WriteSectors(sector uint32, n int, src []byte) error {
	if err := checkSectorIO(d.sectors, sector, n, len(src)); err != nil {
		return err
	}

	if _, err := unix.Pwrite(int(d.f.Fd()), src, int64(sector)*kern.SectorSize); err != nil {
		return fmt.Errorf("pwrite sector %d: %w", sector, err)
	}

	return nil
}

func (d *FileDisk) Close() error {
	return d.f.Close()
}

func checkSectorIO(capacity, sector uint32, n, buflen int) error {
	if buflen != n*kern.SectorSize {
		return fmt.Errorf("buffer is %d bytes for %d sectors", buflen, n)
	}

	if uint64(sector)+uint64(n) > uint64(capacity) {
		return fmt.Errorf("sectors [%d, %d) beyond disk of %d", sector, uint64(sector)+uint64(n), capacity)
	}

	return nil
}
