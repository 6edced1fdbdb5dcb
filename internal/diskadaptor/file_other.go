//go:build !linux

package diskadaptor

import "os"

func disableReadAhead(f *os.File) error { return nil }

func fallocate(f *os.File, size int64) error { return f.Truncate(size) }
