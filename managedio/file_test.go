package managedio

import (
	"context"
	"strings"
	"testing"
)

func openTempDirectory(t *testing.T, compress bool, encryptionTag, passphrase string) *Directory {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := Open(context.Background(), backend, OpenOptions{
		Create:        true,
		Compress:      compress,
		Overwrite:     true,
		EncryptionTag: encryptionTag,
		Passphrase:    passphrase,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return dir
}

func TestManagedFileRoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		compress   bool
		encryption string
		passphrase string
	}{
		{"plain", false, "none", ""},
		{"gzip-only", true, "none", ""},
		{"encrypted-only", false, "aes256-gcm", "correct horse battery staple"},
		{"gzip-and-encrypted", true, "aes256-gcm", "correct horse battery staple"},
	}

	payloads := []string{
		"",
		"hello world",
		strings.Repeat("the quick brown fox jumps over the lazy dog ", 5000),
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := openTempDirectory(t, tc.compress, tc.encryption, tc.passphrase)
			for i, payload := range payloads {
				name := "payload.data"
				f, err := dir.WritableFile(name, true, true)
				if err != nil {
					t.Fatalf("case %d: WritableFile: %v", i, err)
				}
				if err := f.Spit(payload); err != nil {
					t.Fatalf("case %d: Spit: %v", i, err)
				}
				if err := f.Close(); err != nil {
					t.Fatalf("case %d: Close (write): %v", i, err)
				}

				rf, err := dir.readableFileWithGzip(name, tc.compress)
				if err != nil {
					t.Fatalf("case %d: ReadableFile: %v", i, err)
				}
				got, err := rf.Slurp()
				if err != nil {
					t.Fatalf("case %d: Slurp: %v", i, err)
				}
				if err := rf.Close(); err != nil {
					t.Fatalf("case %d: Close (read): %v", i, err)
				}
				if got != payload {
					t.Fatalf("case %d: round trip mismatch: got %d bytes, want %d bytes", i, len(got), len(payload))
				}
			}
		})
	}
}

func TestWriteAfterErrorIsNoOp(t *testing.T) {
	dir := openTempDirectory(t, false, "none", "")
	f, err := dir.WritableFile("x", true, false)
	if err != nil {
		t.Fatalf("WritableFile: %v", err)
	}
	f.setErr(context.Canceled)
	n, err := f.Write([]byte("more"))
	if n != 0 || err != context.Canceled {
		t.Fatalf("Write after error = (%d, %v), want (0, %v)", n, err, context.Canceled)
	}
}

func TestReadFromWriteOnlyFileErrors(t *testing.T) {
	dir := openTempDirectory(t, false, "none", "")
	f, err := dir.WritableFile("x", true, false)
	if err != nil {
		t.Fatalf("WritableFile: %v", err)
	}
	defer f.Close()
	if _, err := f.Read(make([]byte, 4)); err == nil {
		t.Fatal("Read on a write-mode file should error")
	}
}

func TestCloseClearsEOF(t *testing.T) {
	dir := openTempDirectory(t, false, "none", "")
	if err := dir.SpitFile("x", "abc", true); err != nil {
		t.Fatalf("SpitFile: %v", err)
	}
	f, err := dir.ReadableFile("x", false)
	if err != nil {
		t.Fatalf("ReadableFile: %v", err)
	}
	if _, err := f.Slurp(); err != nil {
		t.Fatalf("Slurp: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close should clear a stored io.EOF, got %v", err)
	}
}
