// Package managedio implements ManagedDirectory and ManagedFile: a uniform
// file API that transparently applies encryption and/or gzip so the rest of
// the core only ever deals in logical (decoded) bytes.
package managedio

import (
	"context"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Sentinel errors matching the spec's open-failure semantics.
var (
	ErrFileExists          = fmt.Errorf("managedio: file exists")
	ErrCannotOverwriteFile = fmt.Errorf("managedio: directory policy forbids overwrite")
)

// encryptionSidecarName is the single file that names the directory's
// encryption scheme.
const encryptionSidecarName = "ENCRYPTION"

// saltSidecarName persists the Argon2 salt alongside the ENCRYPTION tag so
// a directory can be reopened and its key rederived from a passphrase.
const saltSidecarName = "ENCRYPTION.salt"

// Directory represents a directory augmented by the ENCRYPTION sidecar.
// Every file opened through it transparently encrypts on write and decrypts
// on read when the tag is not "none", and is gzip-framed when Compress is
// set.
type Directory struct {
	backend       Backend
	ctx           context.Context
	encryptionTag string
	encCtx        EncryptionContext
	compress      bool
	overwrite     bool
}

// OpenOptions configures Directory creation/opening.
type OpenOptions struct {
	Create        bool   // create the directory (and ENCRYPTION sidecar) if it does not exist
	RequireEmpty  bool   // opening a non-empty existing directory fails
	Compress      bool   // store content files as gzip streams with a .gz suffix
	Overwrite     bool   // allow writableFile to overwrite existing files
	EncryptionTag string // "none" or an implementation-defined tag, only used on Create
	Passphrase    string // required when EncryptionTag != "none" and Create is true
}

// Open opens (or creates, per opts) a Directory on backend.
func Open(ctx context.Context, backend Backend, opts OpenOptions) (*Directory, error) {
	d := &Directory{
		backend:   backend,
		ctx:       ctx,
		compress:  opts.Compress,
		overwrite: opts.Overwrite,
	}

	_, exists, err := backend.Stat(ctx, encryptionSidecarName)
	if err != nil {
		return nil, fmt.Errorf("stat %s sidecar: %w", encryptionSidecarName, err)
	}

	if exists {
		tag, salt, err := d.readEncryptionSidecar()
		if err != nil {
			return nil, err
		}
		d.encryptionTag = tag
		if tag != "none" {
			if opts.Passphrase == "" {
				return nil, fmt.Errorf("managedio: directory is encrypted with tag %q, passphrase required", tag)
			}
			encCtx, err := NewAESGCMContext(opts.Passphrase, salt)
			if err != nil {
				return nil, err
			}
			d.encCtx = encCtx
		} else {
			d.encCtx = plainContext{}
		}
		if opts.RequireEmpty {
			entries, err := backend.List(ctx)
			if err != nil {
				return nil, err
			}
			if len(nonSidecarEntries(entries)) > 0 {
				return nil, ErrCannotOverwriteFile
			}
		}
		return d, nil
	}

	if !opts.Create {
		return nil, fmt.Errorf("managedio: directory has no %s sidecar and Create was not requested", encryptionSidecarName)
	}

	tag := opts.EncryptionTag
	if tag == "" {
		tag = "none"
	}
	d.encryptionTag = tag

	var salt []byte
	if tag != "none" {
		if opts.Passphrase == "" {
			return nil, fmt.Errorf("managedio: encryption tag %q requires a passphrase", tag)
		}
		salt, err = NewEncryptionSalt()
		if err != nil {
			return nil, err
		}
		encCtx, err := NewAESGCMContext(opts.Passphrase, salt)
		if err != nil {
			return nil, err
		}
		d.encCtx = encCtx
	} else {
		d.encCtx = plainContext{}
	}

	if err := d.writeEncryptionSidecar(tag, salt); err != nil {
		return nil, err
	}
	return d, nil
}

func nonSidecarEntries(entries []string) []string {
	out := entries[:0:0]
	for _, e := range entries {
		if e == encryptionSidecarName || e == saltSidecarName {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (d *Directory) readEncryptionSidecar() (tag string, salt []byte, err error) {
	rc, err := d.backend.OpenRead(d.ctx, encryptionSidecarName)
	if err != nil {
		return "", nil, fmt.Errorf("open %s sidecar: %w", encryptionSidecarName, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, fmt.Errorf("read %s sidecar: %w", encryptionSidecarName, err)
	}
	tag = strings.TrimSpace(string(data))

	if tag != "none" {
		saltRC, err := d.backend.OpenRead(d.ctx, saltSidecarName)
		if err != nil {
			return "", nil, fmt.Errorf("open %s sidecar: %w", saltSidecarName, err)
		}
		defer saltRC.Close()
		salt, err = io.ReadAll(saltRC)
		if err != nil {
			return "", nil, fmt.Errorf("read %s sidecar: %w", saltSidecarName, err)
		}
	}
	return tag, salt, nil
}

func (d *Directory) writeEncryptionSidecar(tag string, salt []byte) error {
	w, err := d.backend.Create(d.ctx, encryptionSidecarName)
	if err != nil {
		return fmt.Errorf("create %s sidecar: %w", encryptionSidecarName, err)
	}
	if _, err := w.Write([]byte(tag)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if tag == "none" {
		return nil
	}
	saltW, err := d.backend.Create(d.ctx, saltSidecarName)
	if err != nil {
		return fmt.Errorf("create %s sidecar: %w", saltSidecarName, err)
	}
	if _, err := saltW.Write(salt); err != nil {
		saltW.Close()
		return err
	}
	return saltW.Close()
}

// EncryptionTag reports the directory's encryption scheme ("none" or an
// implementation-defined tag).
func (d *Directory) EncryptionTag() string { return d.encryptionTag }

// IsEncrypted reports whether the directory applies encryption.
func (d *Directory) IsEncrypted() bool { return d.encryptionTag != "none" }

// storedName appends .gz when compression is enabled, per the on-disk
// layout's content-file naming rule.
func (d *Directory) storedName(name string, gzipIfEnabled bool) string {
	if gzipIfEnabled && d.compress {
		return name + ".gz"
	}
	return name
}

// WritableFile opens name for writing. overwrite, when false, fails with
// ErrFileExists if the file is already present; gzipIfEnabled controls
// whether this particular file participates in directory-wide compression
// (structure/sidecar files typically do not).
func (d *Directory) WritableFile(name string, overwrite bool, gzipIfEnabled bool) (*File, error) {
	stored := d.storedName(name, gzipIfEnabled)

	if !overwrite {
		_, exists, err := d.backend.Stat(d.ctx, stored)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrFileExists
		}
	} else if !d.overwrite {
		_, exists, err := d.backend.Stat(d.ctx, stored)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrCannotOverwriteFile
		}
	}

	backendWriter, err := d.backend.Create(d.ctx, stored)
	if err != nil {
		return nil, err
	}

	f := &File{name: name, path: stored, backendWriter: backendWriter}

	cryptoWriter, err := d.encCtx.NewEncryptWriter(backendWriter)
	if err != nil {
		backendWriter.Close()
		return nil, err
	}
	f.cryptoWriter = cryptoWriter

	var head io.Writer = cryptoWriter
	if gzipIfEnabled && d.compress {
		f.gzipWriter = gzip.NewWriter(cryptoWriter)
		head = f.gzipWriter
	}
	f.headWriter = head
	return f, nil
}

// ReadableFile opens name for reading. name should be the logical name
// without any .gz suffix. gzipIfEnabled must match the value the file was
// written with (WritableFile's own gzipIfEnabled parameter): content files
// pass true to honor the directory's Compress setting, sidecar files that
// are never compressed (structure files, views.json, continue.json,
// dump.json) pass false.
func (d *Directory) ReadableFile(name string, gzipIfEnabled bool) (*File, error) {
	return d.readableFileWithGzip(name, gzipIfEnabled && d.compress)
}

func (d *Directory) readableFileWithGzip(name string, gzipped bool) (*File, error) {
	stored := d.storedName(name, gzipped)
	backendReader, err := d.backend.OpenRead(d.ctx, stored)
	if err != nil {
		return nil, err
	}

	f := &File{name: name, path: stored, backendReader: backendReader, readMode: true}

	cryptoReader, err := d.encCtx.NewDecryptReader(backendReader)
	if err != nil {
		backendReader.Close()
		return nil, err
	}
	f.cryptoReader = cryptoReader

	var tail io.Reader = cryptoReader
	if gzipped {
		gz, err := gzip.NewReader(cryptoReader)
		if err != nil {
			cryptoReader.Close()
			backendReader.Close()
			return nil, err
		}
		f.gzipReader = gz
		tail = gz
	}
	f.tailReader = tail
	return f, nil
}

// SlurpFile reads name's entire contents as a string. See ReadableFile for
// the gzipIfEnabled contract.
func (d *Directory) SlurpFile(name string, gzipIfEnabled bool) (string, error) {
	f, err := d.ReadableFile(name, gzipIfEnabled)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return f.Slurp()
}

// SpitFile writes content to name in one call.
func (d *Directory) SpitFile(name string, content string, overwrite bool) error {
	f, err := d.WritableFile(name, overwrite, false)
	if err != nil {
		return err
	}
	if err := f.Spit(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Document is the structured builder DocumentFromJSONFile parses into: a
// generic decoded JSON value plus the raw bytes it came from, so callers
// can either walk the decoded tree or re-marshal selectively.
type Document struct {
	Raw   json.RawMessage
	Value any
}

// DocumentFromJSONFile reads name and parses it as JSON into a Document.
// Documents are sidecar metadata, never gzip-framed even in a compressed
// directory.
func (d *Directory) DocumentFromJSONFile(name string) (*Document, error) {
	content, err := d.SlurpFile(name, false)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return nil, fmt.Errorf("parse %s as JSON: %w", name, err)
	}
	return &Document{Raw: json.RawMessage(content), Value: value}, nil
}

// ListContentFiles returns every stored entry name except the ENCRYPTION
// and salt sidecars, used by the Restore planner to enumerate a dump
// directory.
func (d *Directory) ListContentFiles(ctx context.Context) ([]string, error) {
	entries, err := d.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	return nonSidecarEntries(entries), nil
}

// Exists reports whether name (its stored, possibly .gz-suffixed form) is
// present in the directory.
func (d *Directory) Exists(name string, gzipIfEnabled bool) (bool, error) {
	_, exists, err := d.backend.Stat(d.ctx, d.storedName(name, gzipIfEnabled))
	return exists, err
}

// Remove deletes name (its stored, possibly .gz-suffixed form).
func (d *Directory) Remove(name string, gzipIfEnabled bool) error {
	return d.backend.Remove(d.ctx, d.storedName(name, gzipIfEnabled))
}
