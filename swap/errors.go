// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package swap

import "errors"

// Sentinel errors for the swap error group of spec §7. All of these
// are returned before the retirement step begins, so a caller seeing
// one of them is guaranteed the source namespace is untouched.
var (
	ErrOldCrateAmbiguous     = errors.New("swap: old crate not uniquely identifiable")
	ErrOldCrateNotFound      = errors.New("swap: old crate not found")
	ErrNewCrateFileAmbiguous = errors.New("swap: new crate object file not uniquely identifiable")
	ErrSectionMatchAmbiguous = errors.New("swap: data section match not unique")
	ErrStateTransferMissing  = errors.New("swap: state transfer function not found")
	ErrStateTransferFailed   = errors.New("swap: state transfer function failed")
	ErrNamespaceInconsistent = errors.New("swap: namespace inconsistency")
)
