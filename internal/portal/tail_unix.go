package portal

import (
	"os"
	"path/filepath"
	"syscall"
)

func dirOf(path string) string {
	return filepath.Dir(path)
}

// inodeOf identifies an open file so rotation (rename + recreate) is
// detectable.
func inodeOf(f *os.File) uint64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

func inodeOfPath(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
