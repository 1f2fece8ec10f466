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

// Package fsproto defines the layouts shared between the file system server
// and its clients: the on-disk structures (file records, the superblock), the
// request formats carried in IPC argument pages, and the error numbers that
// travel across the protocol as negative status values.
//
// All multi-byte integers are little-endian, on disk and on the wire.
package fsproto

// Bytes per file system block. Equal to the page size, so that a block can be
// transferred to a client as a single page mapping.
const BlockSize = 4096

// Bits in one block of the allocation bitmap.
const BitsPerBlock = BlockSize * 8

// Maximum length of a single path component, including the terminating NUL.
const MaxNameLen = 128

// Maximum length of a complete path, including the terminating NUL.
const MaxPathLen = 1024

// Number of direct block slots in a file record.
const NumDirect = 10

// Number of block slots addressable through the indirect block. The indirect
// block's first NumDirect entries are kept unused so that a file block number
// indexes the table uniformly.
const NumIndirect = BlockSize / 4

// Maximum size of a file in bytes.
const MaxFileSize = NumIndirect * BlockSize

// Size of an encoded file record.
const FileRecSize = 256

// Number of file records packed into one directory block.
const RecsPerBlock = BlockSize / FileRecSize

// Magic number identifying the file system, stored in the superblock.
const Magic uint32 = 0x68286097

// File types stored in a file record.
const (
	TypeRegular uint32 = 0
	TypeDir     uint32 = 1
)
