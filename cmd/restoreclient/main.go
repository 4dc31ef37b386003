// Command restoreclient is the bootstrap binary for the Restore Engine: it
// parses flags into config.Options, opens the Managed Directory holding a
// prior dump, validates the target database, and drives one RunMainJob per
// collection in dependency order, with restore-data chunks optionally
// fanned out to a background Client Task Queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nimbusdb/dbtools/applog"
	"github.com/nimbusdb/dbtools/config"
	"github.com/nimbusdb/dbtools/httpapi"
	"github.com/nimbusdb/dbtools/managedio"
	"github.com/nimbusdb/dbtools/progress"
	"github.com/nimbusdb/dbtools/restore"
	"github.com/nimbusdb/dbtools/stats"
	"github.com/nimbusdb/dbtools/taskqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// waitWithTimeout blocks until queue drains or timeout elapses,
// forcing workers down via cancel in the latter case.
func waitWithTimeout[T any](queue *taskqueue.Queue[T], cancel context.CancelFunc, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		queue.WaitForIdle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cancel()
		<-done
	}
	queue.Shutdown()
}

func run() error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)

	endpoint := fs.String("endpoint", "http://localhost:8529", "server endpoint")
	database := fs.String("database", "_system", "database to restore into")
	username := fs.String("username", "", "basic auth username")
	password := fs.String("password", "", "basic auth password")
	force := fs.Bool("force", false, "continue past per-collection failures")
	quiet := fs.Bool("quiet", false, "suppress informational logging")
	logServer := fs.Bool("log-server-version", false, "log the connected server's version on startup")

	inputDirectory := fs.String("input-directory", "", "local path or s3://bucket/prefix holding a prior dump")
	compress := fs.Bool("compress", false, "must match the --compress setting the dump was taken with")
	encryptionTag := fs.String("encryption", "none", "encryption scheme tag, or none")
	passphrase := fs.String("passphrase", "", "passphrase deriving the decryption key")
	s3Region := fs.String("s3-region", "", "AWS region, required when input-directory is an s3:// URI")

	clientThreads := fs.Int("threads", 2, "background send-job pool width")
	chunkSizeMB := fs.Int64("chunk-size-mb", 1, "restore-data chunk size in megabytes")

	createCollections := fs.Bool("create-collection", true, "create collections via restore-collection before streaming data")
	overwriteCollections := fs.Bool("overwrite", true, "allow restore-collection to replace an existing collection")
	ignoreDistributeShardsLikeErrors := fs.Bool("ignore-distribute-shards-like-errors", false, "tolerate missing distributeShardsLike prototypes")
	createDatabase := fs.Bool("create-database", false, "create the target database if it does not exist")
	allDatabases := fs.Bool("all-databases", false, "restore into whichever database the dump names, ignoring -database")
	forceSameDatabase := fs.Bool("force-same-database", false, "refuse to restore a dump taken from a different database name")
	ignoreExistingProgress := fs.Bool("ignore-existing-progress", false, "ignore any continue.json found in the input directory")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.Options{
		Endpoint:                *endpoint,
		Database:                *database,
		Username:                *username,
		Password:                *password,
		Force:                   *force,
		Quiet:                   *quiet,
		LogServer:               *logServer,
		OutputDirectory:         *inputDirectory,
		Compress:                *compress,
		EncryptionTag:           *encryptionTag,
		Passphrase:              *passphrase,
		ClientThreads:           *clientThreads,
		DBServerWorkerThreads:   1,
		LocalWriterThreads:      1,
		DBServerPrefetchBatches: 1,
		ChunkSize:               *chunkSizeMB << 20,
		CreateDatabase:          *createDatabase,
		AllDatabases:            *allDatabases,
		ForceSameDatabase:       *forceSameDatabase,
		IgnoreExistingProgress:  *ignoreExistingProgress,
		ShutdownTimeout:         *shutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := applog.New(os.Stderr, slog.LevelInfo, cfg.Quiet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, cfg, *s3Region)
	if err != nil {
		return fmt.Errorf("open input backend: %w", err)
	}
	directory, err := managedio.Open(ctx, backend, managedio.OpenOptions{
		Create:     false,
		Compress:   cfg.Compress,
		Passphrase: cfg.Passphrase,
	})
	if err != nil {
		return fmt.Errorf("open input directory: %w", err)
	}

	manifest, err := restore.ReadDatabaseManifest(directory)
	if err != nil {
		return fmt.Errorf("read dump manifest: %w", err)
	}
	targetDatabase := cfg.Database
	if cfg.AllDatabases && manifest.Database != "" {
		targetDatabase = manifest.Database
	}
	if err := restore.ValidateTargetDatabase(manifest, targetDatabase, cfg.ForceSameDatabase); err != nil {
		return err
	}

	mgr, err := httpapi.NewManager(httpapi.Config{
		Endpoint: cfg.Endpoint,
		Database: targetDatabase,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("build client manager: %w", err)
	}

	if cfg.CreateDatabase {
		systemMgr, err := httpapi.NewManager(httpapi.Config{
			Endpoint: cfg.Endpoint,
			Database: "_system",
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("build system client manager: %w", err)
		}
		systemClient, err := systemMgr.NewClient(0)
		if err != nil {
			return fmt.Errorf("build system client: %w", err)
		}
		if err := restore.CreateDatabaseIfMissing(ctx, systemClient, targetDatabase, cfg.Username, cfg.Password); err != nil {
			return fmt.Errorf("create database %q: %w", targetDatabase, err)
		}
	}

	client, err := mgr.GetConnectedClient(ctx, 0, cfg.Force, cfg.LogServer)
	if err != nil {
		applog.Fatal(logger, "failed to connect", err)
		return err
	}

	structureNames, err := restore.DiscoverStructureFiles(ctx, directory)
	if err != nil {
		return fmt.Errorf("discover structure files: %w", err)
	}
	structures := make([]restore.StructureFile, 0, len(structureNames))
	for _, name := range structureNames {
		sf, err := restore.LoadStructureFile(directory, name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		structures = append(structures, sf)
	}
	ordered := restore.Plan(structures)
	logger.Info("planned collections", "count", len(ordered))

	tracker, err := progress.NewTracker[restore.CollectionStatus](directory, cfg.IgnoreExistingProgress)
	if err != nil {
		return fmt.Errorf("open progress tracker: %w", err)
	}

	st := &stats.Counters{}

	sendQueue := taskqueue.New[restore.SendJob](
		func(ctx context.Context, client *httpapi.Client, job restore.SendJob) error {
			return restore.RunSendJob(ctx, client, job, st, tracker)
		},
		func(job restore.SendJob, err error) {
			if err != nil {
				logger.Error("background send failed", "collection", job.Collection, "error", err)
			}
		},
	)
	if err := sendQueue.SpawnWorkers(ctx, mgr, cfg.ClientThreads); err != nil {
		return fmt.Errorf("spawn send queue: %w", err)
	}
	dispatch := func(job restore.SendJob) { sendQueue.QueueJob(job) }

	var firstErrMu sync.Mutex
	var firstErr error
	for _, sf := range ordered {
		collectionName := sf.Parameters.Name
		status := tracker.GetStatus(collectionName)

		files, err := restore.DiscoverInputFiles(ctx, directory, collectionName)
		if err != nil {
			firstErrMu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("discover input files for %q: %w", collectionName, err)
			}
			firstErrMu.Unlock()
			if !cfg.Force {
				break
			}
			continue
		}
		files = restore.ResumeFiles(files, status)

		mjCfg := restore.MainJobConfig{
			Collection:                       collectionName,
			Structure:                        sf,
			Files:                            files,
			ChunkSize:                        cfg.ChunkSize,
			Directory:                        directory,
			Tracker:                          tracker,
			Dispatch:                         dispatch,
			Stats:                            st,
			CreateCollection:                 *createCollections && status.State == restore.StateUnknown,
			Overwrite:                        *overwriteCollections,
			Force:                            cfg.Force,
			IgnoreDistributeShardsLikeErrors: *ignoreDistributeShardsLikeErrors,
		}

		logger.Info("restoring collection", "collection", collectionName, "files", len(files))
		if err := restore.RunMainJob(ctx, client, mjCfg); err != nil {
			logger.Error("collection restore failed", "collection", collectionName, "error", err)
			firstErrMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			firstErrMu.Unlock()
			if !cfg.Force {
				break
			}
		}
	}

	waitWithTimeout(sendQueue, cancel, cfg.ShutdownTimeout)

	if firstErr != nil {
		return firstErr
	}

	snap := st.Snapshot()
	logger.Info("restore complete",
		"collectionsSeen", len(ordered),
		"batchesSent", snap.BatchesSent,
		"bytesMoved", snap.BytesMoved,
	)
	fmt.Println("Restore operation completed successfully")
	return nil
}

// openBackend picks a local or S3 managedio.Backend based on the
// configured input directory.
func openBackend(ctx context.Context, cfg *config.Options, region string) (managedio.Backend, error) {
	if !cfg.IsRemoteDirectory() {
		return managedio.NewLocalBackend(cfg.OutputDirectory, false)
	}
	if region == "" {
		return nil, fmt.Errorf("s3-region is required for an s3:// input directory")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return managedio.NewS3Backend(client, cfg.RemoteBucket(), cfg.RemotePrefix()), nil
}
