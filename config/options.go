// Package config holds the validated run configuration consumed by both
// engines. CLI parsing itself is out of scope for the core (see §1 of the
// design) — this package only defines the struct and its validation.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Options holds all configuration for one dump or restore run.
type Options struct {
	// Connection
	Endpoint  string // e.g. http://localhost:8529
	Database  string
	Username  string
	Password  string
	JWT       string
	Force     bool // downgrade version mismatch / per-collection failures to warnings
	Quiet     bool
	LogServer bool // log the server version on connect

	// Directory
	OutputDirectory string // local path or s3://bucket/prefix
	Overwrite       bool
	Compress        bool
	EncryptionTag   string // "none" or an implementation-defined tag
	Passphrase      string // used to derive an encryption key when EncryptionTag != "none"

	// Concurrency
	ClientThreads           int // width of the Client Task Queue
	DBServerWorkerThreads   int // W in ParallelDumpServer
	LocalWriterThreads      int // R in ParallelDumpServer
	DBServerPrefetchBatches int // bounded channel capacity

	// Dump/restore shape
	ChunkSize              int64 // restore chunk budget in bytes
	SplitFiles             bool
	IncludeSystem          bool
	Collections            []string // explicit --collection list
	ExcludedCollections    []string
	IncludeViews           bool
	CreateDatabase         bool
	AllDatabases           bool
	ForceSameDatabase      bool
	IgnoreExistingProgress bool

	ShutdownTimeout time.Duration

	// derived, populated by Validate
	remoteBucket string
	remotePrefix string
}

// IsRemoteDirectory reports whether OutputDirectory is an s3:// URI.
func (o *Options) IsRemoteDirectory() bool {
	return strings.HasPrefix(o.OutputDirectory, "s3://")
}

// RemoteBucket returns the bucket name parsed from OutputDirectory. Only
// valid after a successful Validate call when IsRemoteDirectory is true.
func (o *Options) RemoteBucket() string { return o.remoteBucket }

// RemotePrefix returns the key prefix parsed from OutputDirectory. Only
// valid after a successful Validate call when IsRemoteDirectory is true.
func (o *Options) RemotePrefix() string { return o.remotePrefix }

// Validate checks all required fields and caches derived fields (the parsed
// S3 bucket/prefix when the directory is remote), mirroring the teacher's
// Config.Validate: fail fast, one field at a time, with a specific message
// per violation.
func (o *Options) Validate() error {
	if o.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if o.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if o.OutputDirectory == "" {
		return fmt.Errorf("output directory is required")
	}

	if o.IsRemoteDirectory() {
		u, err := url.Parse(o.OutputDirectory)
		if err != nil {
			return fmt.Errorf("invalid output directory URI: %w", err)
		}
		if u.Scheme != "s3" {
			return fmt.Errorf("output directory URI must use s3 scheme")
		}
		o.remoteBucket = u.Host
		o.remotePrefix = strings.TrimPrefix(u.Path, "/")
	} else if !filepath.IsAbs(o.OutputDirectory) {
		return fmt.Errorf("local output directory must be an absolute path")
	}

	if o.ClientThreads < 1 {
		return fmt.Errorf("client threads must be at least 1")
	}
	if o.DBServerWorkerThreads < 1 {
		return fmt.Errorf("dbserver worker threads must be at least 1")
	}
	if o.LocalWriterThreads < 1 {
		return fmt.Errorf("local writer threads must be at least 1")
	}
	if o.DBServerPrefetchBatches < 1 {
		return fmt.Errorf("dbserver prefetch batches must be at least 1")
	}

	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20 // 1 MiB default, matching the teacher's sane-default style
	}
	if o.ChunkSize < 1024 || o.ChunkSize > 1<<30 {
		return fmt.Errorf("chunk size must be between 1024 bytes and 1 GiB")
	}

	if o.EncryptionTag == "" {
		o.EncryptionTag = "none"
	}
	if o.EncryptionTag != "none" && o.Passphrase == "" {
		return fmt.Errorf("a passphrase is required when encryption tag %q is set", o.EncryptionTag)
	}

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}

	return nil
}
