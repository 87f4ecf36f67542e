// Copyright © 2024 Mutker Telag <witty.text5011@fastmail.com>
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes onto distinct exit statuses for scripts.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrPermissionDenied:
		return 4
	case errors.ErrUnsupported:
		return 3
	case errors.ErrProfileNotFound, errors.ErrInvalidArgument, errors.ErrInvalidConfig:
		return 2
	case errors.ErrAlreadyRunning:
		return 5
	default:
		return 1
	}
}
