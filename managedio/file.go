package managedio

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// File is an open handle to one file inside a Directory. Writes and reads
// operate on logical (decoded) bytes; the gzip and encryption layers are
// applied transparently underneath. Created only via Directory.WritableFile
// or Directory.ReadableFile.
type File struct {
	name string
	path string // name as stored, including any .gz suffix

	mu       sync.Mutex
	err      error
	closed   bool
	readMode bool

	// write side
	backendWriter io.WriteCloser
	gzipWriter    *gzip.Writer
	cryptoWriter  io.WriteCloser
	headWriter    io.Writer // the outermost writer Write() feeds

	// read side
	backendReader io.ReadCloser
	gzipReader    *gzip.Reader
	cryptoReader  io.ReadCloser
	tailReader    io.Reader // the innermost reader Read() pulls from

	bytesMoved int64
}

// Path returns the file's stored name within its directory, including any
// .gz suffix added by directory-wide compression.
func (f *File) Path() string { return f.path }

// Status returns the first error encountered by this file, or nil.
func (f *File) Status() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// BytesMoved returns the number of logical bytes written or read so far.
func (f *File) BytesMoved() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesMoved
}

func (f *File) setErr(err error) error {
	if f.err == nil {
		f.err = err
	}
	return f.err
}

// Write writes logical bytes through the codec chain. Once an error has
// occurred, Write is a no-op that returns the first error.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.readMode {
		return 0, f.setErr(fmt.Errorf("managedio: file %q opened for reading", f.path))
	}
	n, err := f.headWriter.Write(p)
	f.bytesMoved += int64(n)
	if err != nil {
		f.setErr(err)
	}
	return n, f.err
}

// Spit writes the whole string content in one call.
func (f *File) Spit(content string) error {
	_, err := f.Write([]byte(content))
	return err
}

// Read reads decoded bytes through the codec chain. It returns the number
// of decoded bytes, never the raw on-disk byte count.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && f.err != io.EOF {
		return 0, f.err
	}
	if !f.readMode {
		return 0, f.setErr(fmt.Errorf("managedio: file %q opened for writing", f.path))
	}
	n, err := f.tailReader.Read(p)
	f.bytesMoved += int64(n)
	if err != nil && err != io.EOF {
		f.setErr(err)
	} else if err == io.EOF {
		f.err = io.EOF
	}
	return n, err
}

// Slurp reads the whole file into a string.
func (f *File) Slurp() (string, error) {
	data, err := io.ReadAll(readerFunc(f.Read))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type readerFunc func([]byte) (int, error)

func (r readerFunc) Read(p []byte) (int, error) { return r(p) }

// Close finalizes the codec (gzip footer, encryption authentication tag)
// and releases the underlying backend handle. Idempotent.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return f.err
	}
	f.closed = true

	if f.readMode {
		if f.cryptoReader != nil {
			if err := f.cryptoReader.Close(); err != nil {
				f.setErr(err)
			}
		}
		if f.gzipReader != nil {
			f.gzipReader.Close()
		}
		if f.backendReader != nil {
			if err := f.backendReader.Close(); err != nil {
				f.setErr(err)
			}
		}
		if f.err == io.EOF {
			f.err = nil
		}
		return f.err
	}

	if f.gzipWriter != nil {
		if err := f.gzipWriter.Close(); err != nil {
			f.setErr(err)
		}
	}
	if f.cryptoWriter != nil {
		if err := f.cryptoWriter.Close(); err != nil {
			f.setErr(err)
		}
	}
	if f.backendWriter != nil {
		if err := f.backendWriter.Close(); err != nil {
			f.setErr(err)
		}
	}
	return f.err
}
