//go:build unix

package main

import "golang.org/x/sys/unix"

// hostPageSize reports the host's page size, used to round the demo's flat
// memory allocation up to a whole number of pages.
func hostPageSize() int {
	return unix.Getpagesize()
}
