// Package dump implements the Dump Engine: collection/shard enumeration,
// structure-file writing, the server cursor protocol, and the
// ParallelDumpServer fan-out/fan-in pipeline for cluster-mode dumps.
package dump

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/nimbusdb/dbtools/boundedchannel"
	"github.com/nimbusdb/dbtools/config"
	"github.com/nimbusdb/dbtools/dberror"
	"github.com/nimbusdb/dbtools/httpapi"
	"github.com/nimbusdb/dbtools/managedio"
	"github.com/nimbusdb/dbtools/masking"
	"github.com/nimbusdb/dbtools/progress"
	"github.com/nimbusdb/dbtools/stats"
)

// CollectionInfo is the subset of `/_api/collection`-shaped metadata the
// planner needs: its name, whether it is a system or edge collection, and
// the raw structure payload to write verbatim into `<name>.structure.json`.
type CollectionInfo struct {
	Name                string          `json:"name"`
	IsSystem            bool            `json:"isSystem"`
	Type                int             `json:"type"` // 3 = edge collection
	DistributeShardsLike string         `json:"distributeShardsLike,omitempty"`
	Shards              map[string]string `json:"-"` // shardName -> DBserver, cluster mode only
	Structure           json.RawMessage `json:"-"`  // full structure payload, written verbatim
}

// PlanOptions configures which collections Plan selects.
type PlanOptions struct {
	IncludeSystem       bool
	Collections         []string // explicit allow-list; empty means "all"
	ExcludedCollections []string
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// Plan filters the server's full collection list per PlanOptions, the way
// DumpFeature::runDump enumerates collections before dispatching jobs.
func Plan(all []CollectionInfo, opts PlanOptions) []CollectionInfo {
	var planned []CollectionInfo
	for _, c := range all {
		if c.IsSystem && !opts.IncludeSystem {
			continue
		}
		if len(opts.Collections) > 0 && !contains(opts.Collections, c.Name) {
			continue
		}
		if contains(opts.ExcludedCollections, c.Name) {
			continue
		}
		planned = append(planned, c)
	}
	sort.Slice(planned, func(i, j int) bool { return planned[i].Name < planned[j].Name })
	return planned
}

// WriteStructureFile writes `<name>.structure.json` for one collection.
// Structure files are never gzip-compressed even when the directory
// otherwise compresses content, since they must be readable without
// decompression tooling when inspecting a dump by hand.
func WriteStructureFile(directory *managedio.Directory, overwrite bool, info CollectionInfo) error {
	name := info.Name + ".structure.json"
	return directory.SpitFile(name, string(info.Structure), overwrite)
}

// WriteViewsFile writes the optional views.json sidecar.
func WriteViewsFile(directory *managedio.Directory, overwrite bool, views json.RawMessage) error {
	return directory.SpitFile("views.json", string(views), overwrite)
}

// DatabaseManifest is the `dump.json` identity record written at the root of
// one database's dump directory, read back by restore.ReadDatabaseManifest.
type DatabaseManifest struct {
	Database   string          `json:"database"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

const databaseManifestFileName = "dump.json"

// WriteDatabaseManifest writes dump.json, never gzip-compressed, mirroring
// the structure-file sidecar convention.
func WriteDatabaseManifest(directory *managedio.Directory, overwrite bool, manifest DatabaseManifest) error {
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("dump: encode %s: %w", databaseManifestFileName, err)
	}
	return directory.SpitFile(databaseManifestFileName, string(encoded), overwrite)
}

// DumpFileProvider hands out the (possibly split) output file for a
// collection's document data, mirroring DumpFeature::DumpFileProvider.
// Split files are suffixed `.part-NNNNN` (zero-padded to 5 digits) once a
// caller requests more files than the first for a given collection.
type DumpFileProvider struct {
	directory  *managedio.Directory
	splitFiles bool
	overwrite  bool

	mu      sync.Mutex
	counts  map[string]int
}

// NewDumpFileProvider constructs a provider writing into directory.
func NewDumpFileProvider(directory *managedio.Directory, splitFiles, overwrite bool) *DumpFileProvider {
	return &DumpFileProvider{directory: directory, splitFiles: splitFiles, overwrite: overwrite, counts: make(map[string]int)}
}

// GetFile returns a fresh writable file for collection. Under splitFiles, a
// second call for the same collection opens a new numbered part instead of
// reusing the first file; without splitFiles every call after the first
// returns an error, since a single shared file is expected to stay open for
// the job's whole lifetime.
func (p *DumpFileProvider) GetFile(collection string) (*managedio.File, error) {
	p.mu.Lock()
	n := p.counts[collection]
	p.counts[collection] = n + 1
	p.mu.Unlock()

	name := collection + ".data.json"
	if p.splitFiles {
		if n > 0 {
			name = fmt.Sprintf("%s.data.json.part-%05d", collection, n)
		}
	} else if n > 0 {
		return nil, fmt.Errorf("dump: collection %q requested a second file but splitFiles is disabled", collection)
	}
	return p.directory.WritableFile(name, p.overwrite, true)
}

// Stats aliases the shared counters package so dump job code can report
// without importing stats directly at every call site.
type Stats = stats.Counters

// batchResponse is one server dump-batch reply.
type batchResponse struct {
	body []byte
	more bool
}

// cursorClient issues the three dump-context calls against one DBserver via
// an httpapi.Client, grounded on DumpFeature's createDumpContext /
// receiveNextBatch / finishDumpContext trio.
type cursorClient struct {
	client     *httpapi.Client
	collection string
}

type createContextResponse struct {
	ID  string `json:"id"`
	TTL int    `json:"ttl"`
}

// CreateContext opens a server-side dump context for collection, returning
// its id. The TTL is the server's contract for how long it will hold
// buffered state between batch requests.
func (c *cursorClient) CreateContext(ctx context.Context) (id string, ttl int, err error) {
	var out createContextResponse
	err = c.client.DoJSON(ctx, http.MethodPost, "/_api/dump/start", map[string]string{"collection": c.collection}, &out)
	if err != nil {
		return "", 0, err
	}
	return out.ID, out.TTL, nil
}

// ReceiveNextBatch requests one batch by monotonically increasing batchID,
// acknowledging lastBatch so the server can release buffered state.
func (c *cursorClient) ReceiveNextBatch(ctx context.Context, contextID string, batchID uint64, lastBatch *uint64) (batchResponse, error) {
	path := fmt.Sprintf("/_api/dump/next/%s?batchId=%d", contextID, batchID)
	if lastBatch != nil {
		path += "&lastBatch=" + strconv.FormatUint(*lastBatch, 10)
	}
	resp, err := c.client.Do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return batchResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return batchResponse{}, dberror.Classify(resp).(*dberror.Error).ForCollection(c.collection)
	}

	more := resp.Header.Get("X-Arango-Dump-More") == "true" && resp.StatusCode == http.StatusOK
	var body []byte
	if resp.StatusCode == http.StatusOK {
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return batchResponse{}, fmt.Errorf("dump: read batch body: %w", err)
		}
	}
	return batchResponse{body: body, more: more}, nil
}

// FinishContext deletes the server-side dump context.
func (c *cursorClient) FinishContext(ctx context.Context, contextID string) error {
	resp, err := c.client.Do(ctx, http.MethodDelete, "/_api/dump/"+contextID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return dberror.Classify(resp)
	}
	return nil
}

// CollectionJob streams one collection's documents to a file in
// single-server mode (or, in cluster mode, is expected to have already been
// fanned out into per-shard work by the caller).
type CollectionJob struct {
	Collection CollectionInfo
	Masker     masking.Transform
}

// RunCollectionJob executes one CollectionJob end to end: open a cursor,
// pull batches until the server reports no more, mask and append each
// batch's lines to the provided file, then close the context. tracker may
// be nil, in which case no checkpoint is recorded.
func RunCollectionJob(ctx context.Context, client *httpapi.Client, job CollectionJob, file *managedio.File, st *Stats, tracker *progress.Tracker[progress.Record]) error {
	cc := &cursorClient{client: client, collection: job.Collection.Name}
	contextID, _, err := cc.CreateContext(ctx)
	if err != nil {
		return (&dberror.Error{Kind: dberror.KindCollection, Message: err.Error(), Cause: err}).ForCollection(job.Collection.Name)
	}
	defer cc.FinishContext(ctx, contextID)

	var batchID uint64
	var lastBatch *uint64
	var documentsSeen int64
	masker := job.Masker
	if masker == nil {
		masker = masking.NoOp{}
	}

	for {
		resp, err := cc.ReceiveNextBatch(ctx, contextID, batchID, lastBatch)
		if err != nil {
			return err
		}
		st.AddBatchReceived(1)

		if len(resp.body) > 0 {
			masked, err := maskLines(resp.body, masker)
			if err != nil {
				return (&dberror.Error{Kind: dberror.KindCollection, Message: err.Error(), Cause: err}).ForCollection(job.Collection.Name)
			}
			if _, err := file.Write(masked); err != nil {
				return err
			}
			st.AddBytesMoved(int64(len(masked)))
			documentsSeen += int64(strings.Count(string(masked), "\n"))
		}

		done := batchID
		lastBatch = &done
		batchID++

		if tracker != nil {
			if err := tracker.UpdateStatus(ctx, job.Collection.Name, progress.Record{
				LastFile:      file.Path(),
				LastOffset:    file.BytesMoved(),
				DocumentsSeen: documentsSeen,
				Done:          !resp.more,
			}); err != nil {
				return err
			}
		}

		if !resp.more {
			break
		}
	}
	return nil
}

// maskLines applies a masking.Transform to every line-delimited JSON
// document in body, independently, so a masking failure on one document
// does not require buffering the whole batch into a parsed document tree.
func maskLines(body []byte, masker masking.Transform) ([]byte, error) {
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	var out strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		masked, err := masker.Transform([]byte(line))
		if err != nil {
			return nil, err
		}
		out.Write(masked)
		out.WriteByte('\n')
	}
	return []byte(out.String()), nil
}

// inventoryCollectionEntry is one element of the replication inventory's
// "collections" array: the collection's full parameters block (forwarded
// verbatim into the structure file) plus the indexes block.
type inventoryCollectionEntry struct {
	Parameters struct {
		Name                 string                 `json:"name"`
		IsSystem             bool                   `json:"isSystem"`
		Type                 int                    `json:"type"`
		DistributeShardsLike string                 `json:"distributeShardsLike,omitempty"`
		Shards               map[string][]string    `json:"shards,omitempty"` // shard -> [leader, followers...], cluster mode only
	} `json:"parameters"`
}

// inventoryResponse is the `/_api/replication/inventory` body shape.
type inventoryResponse struct {
	Collections []json.RawMessage `json:"collections"`
	Views       json.RawMessage   `json:"views,omitempty"`
}

// FetchInventory retrieves the server's collection (and view) inventory,
// the way DumpFeature enumerates what to dump before planning jobs. Each
// returned CollectionInfo's Structure field holds its inventory entry
// verbatim, ready for WriteStructureFile; Shards is populated from the
// entry's shard map when the server runs in cluster mode.
func FetchInventory(ctx context.Context, client *httpapi.Client, includeSystem bool) ([]CollectionInfo, json.RawMessage, error) {
	var inv inventoryResponse
	path := fmt.Sprintf("/_api/replication/inventory?includeSystem=%t", includeSystem)
	if err := client.DoJSON(ctx, http.MethodGet, path, nil, &inv); err != nil {
		return nil, nil, err
	}

	infos := make([]CollectionInfo, 0, len(inv.Collections))
	for _, raw := range inv.Collections {
		var entry inventoryCollectionEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, nil, fmt.Errorf("dump: parse inventory collection: %w", err)
		}
		info := CollectionInfo{
			Name:                 entry.Parameters.Name,
			IsSystem:             entry.Parameters.IsSystem,
			Type:                 entry.Parameters.Type,
			DistributeShardsLike: entry.Parameters.DistributeShardsLike,
			Structure:            raw,
		}
		if len(entry.Parameters.Shards) > 0 {
			info.Shards = make(map[string]string, len(entry.Parameters.Shards))
			for shard, servers := range entry.Parameters.Shards {
				if len(servers) > 0 {
					info.Shards[shard] = servers[0] // leader
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, inv.Views, nil
}

// ShardAssignment maps a shard to the DBserver that holds it, the unit the
// planner groups by to build one ParallelDumpServer per DBserver.
type ShardAssignment struct {
	Collection string
	ShardName  string
	Server     string
}

// BuildShardAssignments flattens each planned collection's leader shard map
// into the per-shard assignments GroupShardsByServer expects, for cluster-
// mode dumps.
func BuildShardAssignments(infos []CollectionInfo) []ShardAssignment {
	var out []ShardAssignment
	for _, c := range infos {
		for shard, server := range c.Shards {
			out = append(out, ShardAssignment{Collection: c.Name, ShardName: shard, Server: server})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].ShardName < out[j].ShardName
	})
	return out
}

// GroupShardsByServer groups shard assignments by DBserver so the caller
// can dispatch one ParallelDumpServer per group.
func GroupShardsByServer(assignments []ShardAssignment) map[string][]ShardAssignment {
	grouped := make(map[string][]ShardAssignment)
	for _, a := range assignments {
		grouped[a.Server] = append(grouped[a.Server], a)
	}
	return grouped
}

// ParallelDumpServer runs a single DBserver's worth of shards: W network
// threads pull batches concurrently via receiveNextBatch, funnel them
// through a bounded channel of capacity dbserverPrefetchBatches, and R
// writer threads drain it, masking and appending to the DumpFileProvider's
// per-collection file.
type ParallelDumpServer struct {
	Client       *httpapi.Client
	Server       string
	Shards       []ShardAssignment
	FileProvider *DumpFileProvider
	Masker       masking.Transform
	Stats        *Stats
	Options      *config.Options
	Logger       *slog.Logger
	Tracker      *progress.Tracker[progress.Record]
}

// shardBatch is one decoded batch tagged with the shard it came from, so
// the writer side can route it to the right collection's file.
type shardBatch struct {
	collection string
	body       []byte
}

// Run drives the full fan-out/fan-in pipeline and blocks until every shard
// has been fully drained (or a network error aborts the job).
func (p *ParallelDumpServer) Run(ctx context.Context) error {
	if len(p.Shards) == 0 {
		return nil
	}

	channel := boundedchannel.New[shardBatch](maxInt(p.Options.DBServerPrefetchBatches, 1))
	masker := p.Masker
	if masker == nil {
		masker = masking.NoOp{}
	}

	var firstErr error
	var errMu sync.Mutex
	recordErr := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	workers := maxInt(p.Options.DBServerWorkerThreads, 1)
	var networkWG sync.WaitGroup
	shardCh := make(chan ShardAssignment, len(p.Shards))
	for _, s := range p.Shards {
		shardCh <- s
	}
	close(shardCh)

	var blockedPush, blockedPop atomic.Uint64

	for w := 0; w < workers; w++ {
		networkWG.Add(1)
		guard := boundedchannel.NewProducerGuard(channel)
		go func() {
			defer networkWG.Done()
			defer guard.Release()
			for shard := range shardCh {
				if err := p.drainShard(ctx, channel, shard, &blockedPush); err != nil {
					recordErr(err)
					return
				}
			}
		}()
	}

	writers := maxInt(p.Options.LocalWriterThreads, 1)
	var writerWG sync.WaitGroup
	fileHandles := make(map[string]*managedio.File)
	docsSeen := make(map[string]int64)
	var filesMu sync.Mutex

	getFile := func(collection string) (*managedio.File, error) {
		filesMu.Lock()
		defer filesMu.Unlock()
		if f, ok := fileHandles[collection]; ok {
			return f, nil
		}
		f, err := p.FileProvider.GetFile(collection)
		if err != nil {
			return nil, err
		}
		fileHandles[collection] = f
		return f, nil
	}

	for r := 0; r < writers; r++ {
		writerWG.Add(1)
		go func() {
			defer writerWG.Done()
			for {
				batch, ok, blocked := channel.Pop()
				if blocked {
					blockedPop.Add(1)
				}
				if !ok {
					return
				}
				masked, err := maskLines(batch.body, masker)
				if err != nil {
					recordErr(err)
					continue
				}
				f, err := getFile(batch.collection)
				if err != nil {
					recordErr(err)
					continue
				}
				if _, err := f.Write(masked); err != nil {
					recordErr(err)
					continue
				}
				p.Stats.AddBytesMoved(int64(len(masked)))

				if p.Tracker != nil {
					filesMu.Lock()
					docsSeen[batch.collection] += int64(strings.Count(string(masked), "\n"))
					record := progress.Record{
						LastFile:      f.Path(),
						LastOffset:    f.BytesMoved(),
						DocumentsSeen: docsSeen[batch.collection],
					}
					filesMu.Unlock()
					if err := p.Tracker.UpdateStatus(ctx, batch.collection, record); err != nil {
						recordErr(err)
					}
				}
			}
		}()
	}

	networkWG.Wait()
	writerWG.Wait()

	filesMu.Lock()
	for name, f := range fileHandles {
		if p.Tracker != nil {
			if err := p.Tracker.UpdateStatus(ctx, name, progress.Record{
				LastFile:      f.Path(),
				LastOffset:    f.BytesMoved(),
				DocumentsSeen: docsSeen[name],
				Done:          true,
			}); err != nil {
				recordErr(err)
			}
		}
		if err := f.Close(); err != nil {
			recordErr(err)
		}
	}
	filesMu.Unlock()

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dbserver dump finished",
		"server", p.Server,
		"blockedPush", blockedPush.Load(),
		"blockedPop", blockedPop.Load(),
	)

	return firstErr
}

func (p *ParallelDumpServer) drainShard(ctx context.Context, channel *boundedchannel.Channel[shardBatch], shard ShardAssignment, blockedPush *atomic.Uint64) error {
	cc := &cursorClient{client: p.Client, collection: shard.Collection}
	contextID, _, err := cc.CreateContext(ctx)
	if err != nil {
		return (&dberror.Error{Kind: dberror.KindCollection, Message: err.Error(), Cause: err}).ForCollection(shard.Collection)
	}
	defer cc.FinishContext(ctx, contextID)

	var batchID uint64
	var lastBatch *uint64
	for {
		resp, err := cc.ReceiveNextBatch(ctx, contextID, batchID, lastBatch)
		if err != nil {
			return err
		}
		p.Stats.AddBatchReceived(1)

		if len(resp.body) > 0 {
			_, blocked := channel.Push(shardBatch{collection: shard.Collection, body: resp.body})
			if blocked {
				blockedPush.Add(1)
			}
		}

		done := batchID
		lastBatch = &done
		batchID++
		if !resp.more {
			break
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
