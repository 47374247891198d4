//go:build !unix

package main

// hostPageSize falls back to the common x86 page size on hosts where
// unix.Getpagesize isn't available.
func hostPageSize() int {
	return 4096
}
