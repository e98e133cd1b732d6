// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package indumpco

import "errors"

// ErrFormat wraps every error caused by malformed on-disk data: an
// unparseable idxline, an invalid block magic byte, an inconsistent x-block
// header, a wrong decoded segment length, or a missing referenced block.
// It is never retried; the caller's only recourse is to fix the input.
var ErrFormat = errors.New("indumpco: format error")
