// Package restore implements the Restore Engine: collection-creation
// ordering, the chunked restore-data protocol with ack-watermark resume,
// and the index-restore phase.
package restore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/nimbusdb/dbtools/dberror"
	"github.com/nimbusdb/dbtools/httpapi"
	"github.com/nimbusdb/dbtools/managedio"
	"github.com/nimbusdb/dbtools/progress"
	"github.com/nimbusdb/dbtools/stats"
)

// CollectionState mirrors RestoreFeature::CollectionState.
type CollectionState int

const (
	StateUnknown CollectionState = iota
	StateCreated
	StateRestoring
	StateRestored
)

func (s CollectionState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRestoring:
		return "RESTORING"
	case StateRestored:
		return "RESTORED"
	default:
		return "UNKNOWN"
	}
}

func (s CollectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *CollectionState) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	switch text {
	case "CREATED":
		*s = StateCreated
	case "RESTORING":
		*s = StateRestoring
	case "RESTORED":
		*s = StateRestored
	default:
		*s = StateUnknown
	}
	return nil
}

// CollectionStatus is one collection's continue.json record: a coarse
// lifecycle state plus the point up to which the server has acknowledged
// restore-data chunks.
type CollectionStatus struct {
	State      CollectionState     `json:"state"`
	BytesAcked MultiFileReadOffset `json:"bytesAcked"`
}

// Parameters is the subset of a collection's structure-file "parameters"
// block the planner and creation step need.
type Parameters struct {
	Name                  string `json:"name"`
	Type                  int    `json:"type"` // 3 = edge collection
	DistributeShardsLike  string `json:"distributeShardsLike,omitempty"`
}

// StructureFile is the parsed `<name>.structure.json` contents. Raw keeps
// the entire original file content, sent verbatim to the restore-collection
// endpoint, which expects the full parameters/indexes object rather than a
// narrowed re-encoding of it.
type StructureFile struct {
	Parameters Parameters      `json:"parameters"`
	Indexes    json.RawMessage `json:"indexes"`
	Raw        json.RawMessage `json:"-"`
}

// LoadStructureFile reads and parses name (a `<collection>.structure.json`
// file) from directory.
func LoadStructureFile(directory *managedio.Directory, name string) (StructureFile, error) {
	content, err := directory.SlurpFile(name, false)
	if err != nil {
		return StructureFile{}, err
	}
	var sf StructureFile
	if err := json.Unmarshal([]byte(content), &sf); err != nil {
		return StructureFile{}, fmt.Errorf("restore: parse %s: %w", name, err)
	}
	sf.Raw = json.RawMessage(content)
	return sf, nil
}

// collectionNameSuffix is the fixed suffix every structure file name ends
// with, used to recover the bare collection name for data-file discovery.
const collectionNameSuffix = ".structure.json"

// CollectionNameFromStructureFile strips the structure-file suffix (and an
// optional .gz, though structure files are never compressed) from name.
func CollectionNameFromStructureFile(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), collectionNameSuffix)
}

// DiscoverStructureFiles lists every `*.structure.json` entry in directory,
// sorted by name (Plan reorders them for creation afterward).
func DiscoverStructureFiles(ctx context.Context, directory *managedio.Directory) ([]string, error) {
	entries, err := directory.ListContentFiles(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e, collectionNameSuffix) {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DiscoverInputFiles lists collectionName's (possibly split) data files in
// directory, ordered base file first then ascending part number.
func DiscoverInputFiles(ctx context.Context, directory *managedio.Directory, collectionName string) ([]InputFile, error) {
	entries, err := directory.ListContentFiles(ctx)
	if err != nil {
		return nil, err
	}
	base := collectionName + ".data.json"
	partPrefix := base + ".part-"

	type candidate struct {
		partNo int // -1 for the unsplit base file
		name   string
	}
	var found []candidate
	for _, e := range entries {
		name := strings.TrimSuffix(e, ".gz")
		switch {
		case name == base:
			found = append(found, candidate{partNo: -1, name: name})
		case strings.HasPrefix(name, partPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(name, partPrefix))
			if err != nil {
				continue
			}
			found = append(found, candidate{partNo: n, name: name})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].partNo < found[j].partNo })

	files := make([]InputFile, len(found))
	for i, c := range found {
		files[i] = InputFile{Name: c.name}
	}
	return files, nil
}

// Plan orders collections for creation so that distributeShardsLike
// dependencies are created before their dependents; among the remainder,
// document collections are created before edge collections; ties break
// case-insensitively by name.
func Plan(files []StructureFile) []StructureFile {
	byName := make(map[string]StructureFile, len(files))
	for _, f := range files {
		byName[f.Parameters.Name] = f
	}

	var depth func(name string, seen map[string]bool) int
	depth = func(name string, seen map[string]bool) int {
		f, ok := byName[name]
		if !ok || f.Parameters.DistributeShardsLike == "" {
			return 0
		}
		if seen[name] {
			return 0 // cycle guard; malformed dumps shouldn't hang the planner
		}
		seen[name] = true
		return 1 + depth(f.Parameters.DistributeShardsLike, seen)
	}

	ordered := make([]StructureFile, len(files))
	copy(ordered, files)
	sort.SliceStable(ordered, func(i, j int) bool {
		di := depth(ordered[i].Parameters.Name, map[string]bool{})
		dj := depth(ordered[j].Parameters.Name, map[string]bool{})
		if di != dj {
			return di < dj
		}
		ei := ordered[i].Parameters.Type == 3
		ej := ordered[j].Parameters.Type == 3
		if ei != ej {
			return !ei // document collections (ei=false) sort first
		}
		return strings.ToLower(ordered[i].Parameters.Name) < strings.ToLower(ordered[j].Parameters.Name)
	})
	return ordered
}

// MultiFileReadOffset identifies a point within a possibly-split set of
// data files: the file's ordinal and the byte offset within it.
type MultiFileReadOffset struct {
	FileNo     int   `json:"fileNo"`
	ReadOffset int64 `json:"readOffset"`
}

func (o MultiFileReadOffset) Less(other MultiFileReadOffset) bool {
	if o.FileNo != other.FileNo {
		return o.FileNo < other.FileNo
	}
	return o.ReadOffset < other.ReadOffset
}

// SharedState coordinates one RestoreMainJob with its RestoreSendJob
// siblings for a single collection.
type SharedState struct {
	mu sync.Mutex
	cv *sync.Cond

	result error

	readOffsets           map[MultiFileReadOffset]int64
	pendingJobs           int
	readCompleteInputfile bool
}

// NewSharedState constructs an empty SharedState.
func NewSharedState() *SharedState {
	s := &SharedState{readOffsets: make(map[MultiFileReadOffset]int64)}
	s.cv = sync.NewCond(&s.mu)
	return s
}

// BeginChunk records a dispatched chunk as in-flight.
func (s *SharedState) BeginChunk(offset MultiFileReadOffset, length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOffsets[offset] = length
	s.pendingJobs++
}

// CompleteChunk removes offset from the in-flight set and reports whether
// every chunk has now been acknowledged and the input file fully read —
// the condition under which the collection can be marked RESTORED.
func (s *SharedState) CompleteChunk(offset MultiFileReadOffset, err error) (allDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readOffsets, offset)
	s.pendingJobs--
	if err != nil && s.result == nil {
		s.result = err
	}
	s.cv.Broadcast()
	return len(s.readOffsets) == 0 && s.readCompleteInputfile && s.result == nil
}

// MarkInputComplete records that the main job has reached EOF on the last
// file.
func (s *SharedState) MarkInputComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCompleteInputfile = true
	s.cv.Broadcast()
}

// WaitUntilDrained blocks until every dispatched chunk has been
// acknowledged (successfully or not). The main job must call this after
// reaching EOF and before restoring indexes, since background
// RestoreSendJobs may still be in flight.
func (s *SharedState) WaitUntilDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pendingJobs > 0 {
		s.cv.Wait()
	}
}

// Result returns the first error recorded by any sibling, or nil.
func (s *SharedState) Result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// AckWatermark returns the minimum read offset still in flight; if no
// chunk is in flight it returns ok=false, meaning the caller should record
// the last-finished chunk's end itself.
func (s *SharedState) AckWatermark() (offset MultiFileReadOffset, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readOffsets) == 0 {
		return MultiFileReadOffset{}, false
	}
	first := true
	for k := range s.readOffsets {
		if first || k.Less(offset) {
			offset = k
			first = false
		}
	}
	return offset, true
}

// InputFile is one (possibly split) data file backing a collection's
// restore, opened lazily as the main job advances past each one's end.
type InputFile struct {
	Name string
	Seek int64 // byte offset to resume from, 0 for a fresh restore
}

// MainJobConfig bundles everything RunMainJob needs for one collection.
type MainJobConfig struct {
	Collection  string
	Structure   StructureFile
	Files       []InputFile
	ChunkSize   int64
	UseEnvelope bool
	Directory   *managedio.Directory
	Tracker     *progress.Tracker[CollectionStatus]
	Dispatch    func(job SendJob) // enqueue a RestoreSendJob; nil forces inline sends
	Stats       *stats.Counters

	// CreateCollection, when set, has RunMainJob create the collection via
	// the restore-collection endpoint before streaming data. Callers
	// resuming a collection already past StateCreated should leave this
	// false.
	CreateCollection                 bool
	Overwrite                        bool
	Force                            bool
	IgnoreDistributeShardsLikeErrors bool
}

// SendJob is one buffered chunk awaiting a background send.
type SendJob struct {
	Collection string
	Offset     MultiFileReadOffset
	Data       []byte
	Shared     *SharedState
	UseEnvelope bool
}

// envelope wraps a restore-data chunk for servers needing the legacy
// {"type":2300,"data":...} framing; modern servers accept raw lines too.
type envelope struct {
	Type int             `json:"type"`
	Data json.RawMessage `json:"data"`
}

const restoreDataEnvelopeType = 2300

// RunMainJob executes the full collection restore: optional creation via
// RestoreCollection when cfg.CreateCollection is set, chunked data
// streaming, then index restoration once every chunk is acknowledged.
func RunMainJob(ctx context.Context, client *httpapi.Client, cfg MainJobConfig) error {
	shared := NewSharedState()

	if cfg.CreateCollection {
		if err := RestoreCollection(ctx, client, cfg.Structure, cfg.Overwrite, cfg.Force, cfg.IgnoreDistributeShardsLikeErrors); err != nil {
			return (&dberror.Error{Kind: dberror.KindCollection, Message: err.Error(), Cause: err}).ForCollection(cfg.Collection)
		}
		if cfg.Tracker != nil {
			if err := cfg.Tracker.UpdateStatus(ctx, cfg.Collection, CollectionStatus{State: StateCreated}); err != nil {
				return err
			}
		}
	}

	if cfg.Tracker != nil {
		if err := cfg.Tracker.UpdateStatus(ctx, cfg.Collection, CollectionStatus{State: StateRestoring}); err != nil {
			return err
		}
	}

	var endOfInput MultiFileReadOffset
	for fileNo, inputFile := range cfg.Files {
		rf, err := cfg.Directory.ReadableFile(inputFile.Name, true)
		if err != nil {
			return (&dberror.Error{Kind: dberror.KindCollection, Message: err.Error(), Cause: err}).ForCollection(cfg.Collection)
		}
		finalOffset, err := streamFile(ctx, client, cfg, shared, fileNo, rf, inputFile.Seek)
		if err != nil {
			rf.Close()
			return err
		}
		if err := rf.Close(); err != nil {
			return err
		}
		endOfInput = MultiFileReadOffset{FileNo: fileNo, ReadOffset: finalOffset}
	}

	shared.MarkInputComplete()
	shared.WaitUntilDrained()
	if err := shared.Result(); err != nil {
		return (&dberror.Error{Kind: dberror.KindCollection, Message: err.Error(), Cause: err}).ForCollection(cfg.Collection)
	}

	if err := restoreIndexes(ctx, client, cfg); err != nil {
		return err
	}

	if cfg.Tracker != nil {
		return cfg.Tracker.UpdateStatus(ctx, cfg.Collection, CollectionStatus{State: StateRestored, BytesAcked: endOfInput})
	}
	return nil
}

// streamFile reads one input file in roughly ChunkSize-byte chunks, each
// extended to end on a newline so every dispatched chunk is a valid record
// boundary, and dispatches each either inline or to a background sender. It
// returns the logical offset reached at end of file.
func streamFile(ctx context.Context, client *httpapi.Client, cfg MainJobConfig, shared *SharedState, fileNo int, rf *managedio.File, seek int64) (int64, error) {
	if seek > 0 {
		if _, err := discard(rf, seek); err != nil {
			return seek, err
		}
	}

	readBuf := make([]byte, cfg.ChunkSize)
	var carry []byte // bytes read past the last newline, held for the next chunk
	offset := seek

	for {
		n, readErr := rf.Read(readBuf)
		if n > 0 {
			carry = append(carry, readBuf[:n]...)
		}
		if readErr != nil && readErr != io.EOF {
			return offset, readErr
		}
		eof := readErr == io.EOF

		// extend to the last newline so every dispatched chunk ends on a
		// record boundary; at EOF there is no more data coming, so the
		// remaining carry (newline-terminated or not) is sent as-is
		var chunk []byte
		if eof {
			chunk, carry = carry, nil
		} else if last := bytes.LastIndexByte(carry, '\n'); last >= 0 {
			chunk, carry = carry[:last+1], append([]byte(nil), carry[last+1:]...)
		}

		if len(chunk) > 0 {
			readOffset := MultiFileReadOffset{FileNo: fileNo, ReadOffset: offset}
			// only a remainder read at EOF is sent inline; a file's last
			// newline-terminated chunk is cut before EOF is seen and goes
			// through cfg.Dispatch like the others
			forceDirect := eof
			if err := dispatchRestoreData(ctx, client, cfg, shared, readOffset, chunk, forceDirect); err != nil {
				return offset, err
			}
			offset += int64(len(chunk))
		}
		if eof {
			break
		}
	}
	return offset, nil
}

// discard skips n bytes on a managedio.File by reading and dropping them,
// since the decoded stream has no native seek (the codec layers make byte
// offsets only meaningful post-decode).
func discard(rf *managedio.File, n int64) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for total < n {
		want := n - total
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		read, err := rf.Read(buf[:want])
		total += int64(read)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dispatchRestoreData either sends data inline on the calling goroutine
// (forceDirect, set by streamFile for the remainder read at end of file) or
// hands it to cfg.Dispatch for a background send.
func dispatchRestoreData(ctx context.Context, client *httpapi.Client, cfg MainJobConfig, shared *SharedState, offset MultiFileReadOffset, data []byte, forceDirect bool) error {
	shared.BeginChunk(offset, int64(len(data)))

	job := SendJob{Collection: cfg.Collection, Offset: offset, Data: append([]byte(nil), data...), Shared: shared, UseEnvelope: cfg.UseEnvelope}

	if forceDirect || cfg.Dispatch == nil {
		return RunSendJob(ctx, client, job, cfg.Stats, cfg.Tracker)
	}
	cfg.Dispatch(job)
	return nil
}

// RunSendJob posts one chunk to the restore-data endpoint and updates the
// shared state and progress tracker on success.
func RunSendJob(ctx context.Context, client *httpapi.Client, job SendJob, st *stats.Counters, tracker *progress.Tracker[CollectionStatus]) error {
	payload := job.Data
	if job.UseEnvelope {
		wrapped, err := json.Marshal(envelope{Type: restoreDataEnvelopeType, Data: json.RawMessage(job.Data)})
		if err != nil {
			return err
		}
		payload = wrapped
	}

	path := fmt.Sprintf("/_api/replication/restore-data?collection=%s", job.Collection)
	resp, err := client.Do(ctx, http.MethodPut, path, bytes.NewReader(payload))
	var sendErr error
	if err != nil {
		sendErr = err
	} else {
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			sendErr = dberror.Classify(resp).(*dberror.Error).ForCollection(job.Collection)
		}
	}

	if sendErr == nil && st != nil {
		st.AddBatchSent(1)
		st.AddBytesMoved(int64(len(job.Data)))
	}

	job.Shared.CompleteChunk(job.Offset, sendErr)
	if sendErr != nil {
		return sendErr
	}

	if tracker == nil {
		return nil
	}
	// record the lowest in-flight offset as the resume point: everything
	// before it is fully acknowledged, everything at or after it must be
	// re-sent after a restart
	watermark, ok := job.Shared.AckWatermark()
	if !ok {
		watermark = MultiFileReadOffset{FileNo: job.Offset.FileNo, ReadOffset: job.Offset.ReadOffset + int64(len(job.Data))}
	}
	return tracker.UpdateStatus(ctx, job.Collection, CollectionStatus{State: StateRestoring, BytesAcked: watermark})
}

// ResumeFiles drops every input file before status.BytesAcked.FileNo and
// seeks the matching file to status.BytesAcked.ReadOffset, so a resumed
// restore never re-sends bytes the server already acknowledged. A
// collection already RESTORED is returned as an empty slice.
func ResumeFiles(files []InputFile, status CollectionStatus) []InputFile {
	if status.State == StateRestored {
		return nil
	}
	if status.State != StateRestoring || status.BytesAcked.FileNo >= len(files) {
		return files
	}
	resumed := make([]InputFile, 0, len(files)-status.BytesAcked.FileNo)
	for i := status.BytesAcked.FileNo; i < len(files); i++ {
		f := files[i]
		if i == status.BytesAcked.FileNo {
			f.Seek = status.BytesAcked.ReadOffset
		}
		resumed = append(resumed, f)
	}
	return resumed
}

// RestoreCollection posts a collection's full structure (parameters and
// indexes, sent verbatim) to the restore-collection endpoint, creating or
// replacing the collection server-side before any data is streamed.
func RestoreCollection(ctx context.Context, client *httpapi.Client, structure StructureFile, overwrite, force, ignoreDistributeShardsLikeErrors bool) error {
	path := fmt.Sprintf(
		"/_api/replication/restore-collection?overwrite=%t&force=%t&ignoreDistributeShardsLikeErrors=%t",
		overwrite, force, ignoreDistributeShardsLikeErrors,
	)
	resp, err := client.Do(ctx, http.MethodPut, path, bytes.NewReader(structure.Raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dberror.Classify(resp).(*dberror.Error).ForCollection(structure.Parameters.Name)
	}
	return nil
}

// restoreIndexes posts the structure file's indexes block to the
// restore-indexes endpoint. Failures here are fatal to the collection.
func restoreIndexes(ctx context.Context, client *httpapi.Client, cfg MainJobConfig) error {
	if len(cfg.Structure.Indexes) == 0 || string(cfg.Structure.Indexes) == "null" {
		return nil
	}
	path := fmt.Sprintf("/_api/replication/restore-indexes?collection=%s", cfg.Collection)
	body := map[string]json.RawMessage{"indexes": cfg.Structure.Indexes}
	return client.DoJSON(ctx, http.MethodPut, path, body, nil)
}

// DatabaseManifest is the `dump.json` identity record at the root of one
// database's dump directory.
type DatabaseManifest struct {
	Database   string          `json:"database"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

const databaseManifestFileName = "dump.json"

// ReadDatabaseManifest loads dump.json from directory.
func ReadDatabaseManifest(directory *managedio.Directory) (DatabaseManifest, error) {
	content, err := directory.SlurpFile(databaseManifestFileName, false)
	if err != nil {
		return DatabaseManifest{}, err
	}
	var manifest DatabaseManifest
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return DatabaseManifest{}, fmt.Errorf("restore: parse %s: %w", databaseManifestFileName, err)
	}
	return manifest, nil
}

// ValidateTargetDatabase enforces forceSameDatabase: when set, a dump
// recorded under a different database name than targetDatabase is rejected
// outright to prevent an accidental cross-database restore.
func ValidateTargetDatabase(manifest DatabaseManifest, targetDatabase string, forceSameDatabase bool) error {
	if !forceSameDatabase || manifest.Database == "" || manifest.Database == targetDatabase {
		return nil
	}
	return dberror.New(dberror.KindConfiguration,
		fmt.Sprintf("dump was taken from database %q, refusing to restore into %q (forceSameDatabase)", manifest.Database, targetDatabase), nil)
}

// CreateDatabaseIfMissing creates database through systemClient (a client
// bound to _system). A database that already exists (server error 1207) is
// not an error.
func CreateDatabaseIfMissing(ctx context.Context, systemClient *httpapi.Client, database, username, password string) error {
	body := map[string]any{
		"name": database,
	}
	if username != "" {
		body["users"] = []map[string]string{{"username": username, "passwd": password}}
	}
	err := systemClient.DoJSON(ctx, http.MethodPost, "/_api/database", body, nil)
	if err == nil {
		return nil
	}
	var dbErr *dberror.Error
	if e, ok := err.(*dberror.Error); ok {
		dbErr = e
	}
	if dbErr != nil && dbErr.ServerErrorNum == 1207 { // duplicate name: already exists
		return nil
	}
	return err
}
