// Command dumpclient is the bootstrap binary for the Dump Engine: it parses
// flags into config.Options, opens the Managed Directory, connects to the
// cluster, and drives either the single-server Collection Job path or the
// cluster-mode ParallelDumpServer fan-out per DBserver.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nimbusdb/dbtools/applog"
	"github.com/nimbusdb/dbtools/config"
	"github.com/nimbusdb/dbtools/dump"
	"github.com/nimbusdb/dbtools/httpapi"
	"github.com/nimbusdb/dbtools/managedio"
	"github.com/nimbusdb/dbtools/progress"
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

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run() error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)

	endpoint := fs.String("endpoint", "http://localhost:8529", "server endpoint")
	database := fs.String("database", "_system", "database to dump")
	username := fs.String("username", "", "basic auth username")
	password := fs.String("password", "", "basic auth password")
	force := fs.Bool("force", false, "continue past per-collection and version-check failures")
	quiet := fs.Bool("quiet", false, "suppress informational logging")
	logServer := fs.Bool("log-server-version", false, "log the connected server's version on startup")

	outputDirectory := fs.String("output-directory", "", "local path or s3://bucket/prefix")
	overwrite := fs.Bool("overwrite", false, "allow overwriting files already present in the output directory")
	compress := fs.Bool("compress", false, "gzip content files")
	encryptionTag := fs.String("encryption", "none", "encryption scheme tag, or none")
	passphrase := fs.String("passphrase", "", "passphrase deriving the encryption key")

	clientThreads := fs.Int("threads", 2, "client task queue width for single-server collection jobs")
	dbserverWorkerThreads := fs.Int("dbserver-worker-threads", 2, "network threads per ParallelDumpServer")
	localWriterThreads := fs.Int("local-writer-threads", 2, "writer threads per ParallelDumpServer")
	prefetchBatches := fs.Int("dbserver-prefetch-batches", 8, "bounded channel capacity per ParallelDumpServer")

	splitFiles := fs.Bool("split-files", false, "split large collections across multiple data files")
	includeSystem := fs.Bool("include-system-collections", false, "include system collections")
	includeViews := fs.Bool("include-views", false, "dump view definitions to views.json")
	collections := fs.String("collections", "", "comma-separated allow-list of collection names")
	excludedCollections := fs.String("exclude-collections", "", "comma-separated deny-list of collection names")
	ignoreExistingProgress := fs.Bool("ignore-existing-progress", false, "ignore any continue.json found in the output directory")
	s3Region := fs.String("s3-region", "", "AWS region, required when output-directory is an s3:// URI")
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
		OutputDirectory:         *outputDirectory,
		Overwrite:               *overwrite,
		Compress:                *compress,
		EncryptionTag:           *encryptionTag,
		Passphrase:              *passphrase,
		ClientThreads:           *clientThreads,
		DBServerWorkerThreads:   *dbserverWorkerThreads,
		LocalWriterThreads:      *localWriterThreads,
		DBServerPrefetchBatches: *prefetchBatches,
		SplitFiles:              *splitFiles,
		IncludeSystem:           *includeSystem,
		IncludeViews:            *includeViews,
		Collections:             splitCSV(*collections),
		ExcludedCollections:     splitCSV(*excludedCollections),
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
		return fmt.Errorf("open output backend: %w", err)
	}
	directory, err := managedio.Open(ctx, backend, managedio.OpenOptions{
		Create:        true,
		Compress:      cfg.Compress,
		Overwrite:     cfg.Overwrite,
		EncryptionTag: cfg.EncryptionTag,
		Passphrase:    cfg.Passphrase,
	})
	if err != nil {
		return fmt.Errorf("open output directory: %w", err)
	}

	mgr, err := httpapi.NewManager(httpapi.Config{
		Endpoint: cfg.Endpoint,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("build client manager: %w", err)
	}

	client, err := mgr.GetConnectedClient(ctx, 0, cfg.Force, cfg.LogServer)
	if err != nil {
		applog.Fatal(logger, "failed to connect", err)
		return err
	}

	isCluster, role, err := httpapi.GetArangoIsCluster(ctx, client)
	if err != nil {
		return fmt.Errorf("probe server role: %w", err)
	}
	logger.Info("connected", "database", cfg.Database, "role", role)

	infos, views, err := dump.FetchInventory(ctx, client, cfg.IncludeSystem)
	if err != nil {
		return fmt.Errorf("fetch inventory: %w", err)
	}
	planned := dump.Plan(infos, dump.PlanOptions{
		IncludeSystem:       cfg.IncludeSystem,
		Collections:         cfg.Collections,
		ExcludedCollections: cfg.ExcludedCollections,
	})

	if err := dump.WriteDatabaseManifest(directory, cfg.Overwrite, dump.DatabaseManifest{Database: cfg.Database}); err != nil {
		return fmt.Errorf("write dump.json: %w", err)
	}
	for _, info := range planned {
		if err := dump.WriteStructureFile(directory, cfg.Overwrite, info); err != nil {
			return fmt.Errorf("write structure file for %q: %w", info.Name, err)
		}
	}
	if cfg.IncludeViews && len(views) > 0 {
		if err := dump.WriteViewsFile(directory, cfg.Overwrite, views); err != nil {
			return fmt.Errorf("write views.json: %w", err)
		}
	}

	st := &stats.Counters{}
	logger.Info("planned collections", "count", len(planned), "cluster", isCluster)

	if isCluster {
		if err := runClusterDump(ctx, cancel, mgr, client, planned, directory, cfg, st, logger); err != nil {
			return err
		}
	} else {
		if err := runSingleServerDump(ctx, cancel, mgr, planned, directory, cfg, st, logger); err != nil {
			return err
		}
	}

	snap := st.Snapshot()
	logger.Info("dump complete",
		"collectionsSeen", len(planned),
		"batchesReceived", snap.BatchesReceived,
		"bytesMoved", snap.BytesMoved,
	)
	fmt.Println("Dump operation completed successfully")
	return nil
}

// openBackend picks a local or S3 managedio.Backend based on the
// configured output directory.
func openBackend(ctx context.Context, cfg *config.Options, region string) (managedio.Backend, error) {
	if !cfg.IsRemoteDirectory() {
		return managedio.NewLocalBackend(cfg.OutputDirectory, true)
	}
	if region == "" {
		return nil, fmt.Errorf("s3-region is required for an s3:// output directory")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return managedio.NewS3Backend(client, cfg.RemoteBucket(), cfg.RemotePrefix()), nil
}

// runSingleServerDump drives one Client Task Queue of CollectionJobs, one
// per planned collection, each streaming through the server cursor
// protocol directly into its own single data file.
func runSingleServerDump(ctx context.Context, cancel context.CancelFunc, mgr *httpapi.Manager, planned []dump.CollectionInfo, directory *managedio.Directory, cfg *config.Options, st *stats.Counters, logger *slog.Logger) error {
	provider := dump.NewDumpFileProvider(directory, cfg.SplitFiles, cfg.Overwrite)
	tracker, err := progress.NewTracker[progress.Record](directory, cfg.IgnoreExistingProgress)
	if err != nil {
		return fmt.Errorf("open progress tracker: %w", err)
	}

	var firstErrMu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		firstErrMu.Unlock()
	}

	process := func(ctx context.Context, client *httpapi.Client, job dump.CollectionJob) error {
		file, err := provider.GetFile(job.Collection.Name)
		if err != nil {
			return err
		}
		err = dump.RunCollectionJob(ctx, client, job, file, st, tracker)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		return err
	}

	queue := taskqueue.New[dump.CollectionJob](process, func(job dump.CollectionJob, err error) {
		if err != nil {
			logger.Error("collection dump failed", "collection", job.Collection.Name, "error", err)
			if !cfg.Force {
				recordErr(err)
			}
		}
	})
	if err := queue.SpawnWorkers(ctx, mgr, cfg.ClientThreads); err != nil {
		return fmt.Errorf("spawn client task queue: %w", err)
	}
	for _, info := range planned {
		queue.QueueJob(dump.CollectionJob{Collection: info})
	}
	waitWithTimeout(queue, cancel, cfg.ShutdownTimeout)

	return firstErr
}

// runClusterDump groups the planned collections' shards by DBserver and
// runs one ParallelDumpServer per DBserver concurrently.
func runClusterDump(ctx context.Context, cancel context.CancelFunc, mgr *httpapi.Manager, client *httpapi.Client, planned []dump.CollectionInfo, directory *managedio.Directory, cfg *config.Options, st *stats.Counters, logger *slog.Logger) error {
	assignments := dump.BuildShardAssignments(planned)
	if len(assignments) == 0 {
		return nil
	}
	grouped := dump.GroupShardsByServer(assignments)
	provider := dump.NewDumpFileProvider(directory, cfg.SplitFiles, cfg.Overwrite)
	tracker, err := progress.NewTracker[progress.Record](directory, cfg.IgnoreExistingProgress)
	if err != nil {
		return fmt.Errorf("open progress tracker: %w", err)
	}

	var wg sync.WaitGroup
	var firstErrMu sync.Mutex
	var firstErr error

	for server, shards := range grouped {
		server, shards := server, shards
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("dumping dbserver", "server", server, "shards", len(shards))
			pds := &dump.ParallelDumpServer{
				Client:       client,
				Server:       server,
				Shards:       shards,
				FileProvider: provider,
				Stats:        st,
				Logger:       logger,
				Tracker:      tracker,
				Options: &config.Options{
					DBServerWorkerThreads:   cfg.DBServerWorkerThreads,
					LocalWriterThreads:      cfg.LocalWriterThreads,
					DBServerPrefetchBatches: cfg.DBServerPrefetchBatches,
				},
			}
			if err := pds.Run(ctx); err != nil {
				firstErrMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("dbserver %s: %w", server, err)
				}
				firstErrMu.Unlock()
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		cancel()
		<-done
	}
	return firstErr
}
