// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package pagefs

import "github.com/jacobsa/pagefs/fsproto"

const (
	// Errors from the closed protocol set. These cross IPC as negative
	// status values and may be treated specially by clients.
	EInval      = fsproto.EInval
	EIpcNotRecv = fsproto.EIpcNotRecv
	ENoDisk     = fsproto.ENoDisk
	EMaxOpen    = fsproto.EMaxOpen
	ENotFound   = fsproto.ENotFound
	EBadPath    = fsproto.EBadPath
	EFileExists = fsproto.EFileExists
)
