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

// Package pagefs implements a user-space file system server for a
// microkernel host. The server maps the disk lazily into a fixed window of
// its own address space, one page per block, and speaks a synchronous IPC
// protocol in which every request carries a single argument page and every
// successful open or map transfers a page back to the client.
//
// The primary elements of interest are:
//
//   - Server, which owns the on-disk engine (package diskfs) and the
//     open-file table, and serves requests until its kernel connection is
//     closed.
//
//   - Package client, the library a client environment links in: a
//     descriptor table at fixed virtual addresses, device dispatch, and
//     fork that keeps descriptors shared between parent and child.
//
//   - Package kern, the contracts for the kernel primitives both sides
//     consume; package kerntest provides an in-process implementation.
package pagefs
