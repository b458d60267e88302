package uploader

import "os"

// openFile is a package-level indirection so tests can substitute a fake
// file reader without touching the filesystem.
var openFile = func(path string) (fileReader, error) {
	return os.Open(path)
}

// fileReader is the subset of *os.File the uploader needs.
type fileReader interface {
	Read(p []byte) (n int, err error)
	Close() error
}
