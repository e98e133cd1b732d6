// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/cosnicolaou/indumpco"
)

func repack(_ context.Context, _ interface{}, args []string) error {
	results, err := indumpco.Repack(args[0], args[1])
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s repacked=%v ratio=%.3f\n", r.GroupDigest, r.Repacked, r.Ratio)
	}
	return nil
}
