package managedio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// EncryptionContext is the narrow interface the core consumes for
// encryption. It is created once per directory and every file opened
// through that directory derives its own streaming session from it; the
// core never reads key material itself (it is supplied by this opaque
// context).
type EncryptionContext interface {
	// NewEncryptWriter wraps w so that every byte written to the returned
	// writer is sealed before reaching w. Close must be called to flush the
	// final authenticated chunk.
	NewEncryptWriter(w io.Writer) (io.WriteCloser, error)
	// NewDecryptReader wraps r so that every byte read from the returned
	// reader has already been authenticated and opened.
	NewDecryptReader(r io.Reader) (io.ReadCloser, error)
}

// plainContext is the "none" encryption tag: a no-op context.
type plainContext struct{}

func (plainContext) NewEncryptWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (plainContext) NewDecryptReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// aesgcmChunkSize is the plaintext size sealed into each AES-GCM frame.
// Chunking bounds memory use and lets decryption detect truncation: each
// frame is self-describing and authenticated independently, so a cut
// stream fails on the next Read rather than silently validating.
const aesgcmChunkSize = 64 * 1024

const argon2SaltSize = 16

// NewAESGCMContext derives a 256-bit key from passphrase using Argon2id
// (grounded on noisefs's pkg/core/crypto/encryption.go GenerateKey) and
// returns an EncryptionContext that seals/opens fixed-size chunks with
// AES-256-GCM. salt must be 16 bytes; pass the directory's persisted salt
// when reopening an existing directory, or a freshly generated one when
// creating it.
func NewAESGCMContext(passphrase string, salt []byte) (EncryptionContext, error) {
	if len(salt) != argon2SaltSize {
		return nil, fmt.Errorf("encryption salt must be %d bytes, got %d", argon2SaltSize, len(salt))
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build GCM mode: %w", err)
	}
	return &aesgcmContext{gcm: gcm}, nil
}

// NewEncryptionSalt generates a fresh random salt for a new encrypted
// directory.
func NewEncryptionSalt() ([]byte, error) {
	salt := make([]byte, argon2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

type aesgcmContext struct {
	gcm cipher.AEAD
}

func (c *aesgcmContext) NewEncryptWriter(w io.Writer) (io.WriteCloser, error) {
	return &aesgcmWriter{w: w, gcm: c.gcm, buf: make([]byte, 0, aesgcmChunkSize)}, nil
}

func (c *aesgcmContext) NewDecryptReader(r io.Reader) (io.ReadCloser, error) {
	return &aesgcmReader{r: r, gcm: c.gcm}, nil
}

// aesgcmWriter buffers plaintext up to aesgcmChunkSize, then seals it as one
// frame: [4-byte big-endian ciphertext length][nonce][ciphertext+tag].
// Closing always seals one final short frame (the partial last chunk, or an
// empty frame) so readers can distinguish "valid end of file" from
// "truncated stream".
type aesgcmWriter struct {
	w        io.Writer
	gcm      cipher.AEAD
	buf      []byte
	seq      uint64
	anyFlush bool
}

func (aw *aesgcmWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := aesgcmChunkSize - len(aw.buf)
		n := len(p)
		if n > space {
			n = space
		}
		aw.buf = append(aw.buf, p[:n]...)
		p = p[n:]
		total += n
		if len(aw.buf) == aesgcmChunkSize {
			if err := aw.flush(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (aw *aesgcmWriter) flush() error {
	nonce := make([]byte, aw.gcm.NonceSize())
	binary.BigEndian.PutUint64(nonce[aw.gcm.NonceSize()-8:], aw.seq)
	aw.seq++

	sealed := aw.gcm.Seal(nil, nonce, aw.buf, nil)
	aw.buf = aw.buf[:0]
	aw.anyFlush = true

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
	if _, err := aw.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := aw.w.Write(nonce); err != nil {
		return err
	}
	_, err := aw.w.Write(sealed)
	return err
}

func (aw *aesgcmWriter) Close() error {
	// buf is always shorter than aesgcmChunkSize here, so this frame is the
	// short terminating frame the reader stops at.
	return aw.flush()
}

// aesgcmReader reverses aesgcmWriter's framing, decoding one chunk ahead and
// serving it out of pending until exhausted.
type aesgcmReader struct {
	r       io.Reader
	gcm     cipher.AEAD
	pending []byte
	seq     uint64
	done    bool
}

func (ar *aesgcmReader) Read(p []byte) (int, error) {
	for len(ar.pending) == 0 {
		if ar.done {
			return 0, io.EOF
		}
		if err := ar.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, ar.pending)
	ar.pending = ar.pending[n:]
	return n, nil
}

func (ar *aesgcmReader) nextChunk() error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(ar.r, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// the stream ended before its short terminating frame
			return fmt.Errorf("encrypted stream truncated before frame %d", ar.seq)
		}
		return err
	}
	sealedLen := binary.BigEndian.Uint32(lenPrefix[:])

	nonce := make([]byte, ar.gcm.NonceSize())
	if _, err := io.ReadFull(ar.r, nonce); err != nil {
		return fmt.Errorf("read encrypted frame nonce: %w", err)
	}

	sealed := make([]byte, sealedLen)
	if _, err := io.ReadFull(ar.r, sealed); err != nil {
		return fmt.Errorf("read encrypted frame body: %w", err)
	}

	plain, err := ar.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("authenticate encrypted frame %d: %w", ar.seq, err)
	}
	ar.seq++
	ar.pending = plain
	if len(plain) < aesgcmChunkSize {
		// a short frame can only be the last one the writer flushed
		ar.done = true
	}
	return nil
}

func (ar *aesgcmReader) Close() error { return nil }
