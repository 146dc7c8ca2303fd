// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command crateutil is a CLI front end for loading, swapping, and
// inspecting crate namespaces against a directory of crate object
// files, driving the same load/swap machinery a kernel build links in
// directly.
package main

import "github.com/crateos/liveupdate/cmd/crateutil/cmd"

func main() {
	cmd.Execute()
}
