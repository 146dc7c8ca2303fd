// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symindex

import "fmt"

func errNoMatch(prefix string) error {
	return fmt.Errorf("symindex: no symbol matches prefix %q", prefix)
}

func errAmbiguous(prefix string, n int) error {
	return fmt.Errorf("symindex: prefix %q matches %d symbols, ambiguous", prefix, n)
}
