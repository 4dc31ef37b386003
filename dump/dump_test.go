package dump

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/nimbusdb/dbtools/config"
	"github.com/nimbusdb/dbtools/httpapi"
	"github.com/nimbusdb/dbtools/managedio"
	"github.com/nimbusdb/dbtools/progress"
	"github.com/nimbusdb/dbtools/stats"
)

func TestPlanFiltersSystemAndExcluded(t *testing.T) {
	all := []CollectionInfo{
		{Name: "_users", IsSystem: true},
		{Name: "widgets"},
		{Name: "gadgets"},
	}
	got := Plan(all, PlanOptions{ExcludedCollections: []string{"gadgets"}})
	if len(got) != 1 || got[0].Name != "widgets" {
		t.Fatalf("Plan() = %+v, want only widgets", got)
	}
}

func TestPlanHonoursExplicitList(t *testing.T) {
	all := []CollectionInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	got := Plan(all, PlanOptions{Collections: []string{"b"}})
	if len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("Plan() = %+v, want only b", got)
	}
}

func TestDumpFileProviderSplitsOnSecondRequest(t *testing.T) {
	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true, Compress: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	provider := NewDumpFileProvider(dir, true, true)

	f1, err := provider.GetFile("widgets")
	if err != nil {
		t.Fatalf("GetFile #1: %v", err)
	}
	f1.Close()
	if f1.Path() != "widgets.data.json.gz" {
		t.Fatalf("first file path = %q", f1.Path())
	}

	f2, err := provider.GetFile("widgets")
	if err != nil {
		t.Fatalf("GetFile #2: %v", err)
	}
	f2.Close()
	if f2.Path() != "widgets.data.json.part-00001.gz" {
		t.Fatalf("second file path = %q, want split suffix", f2.Path())
	}
}

func TestDumpFileProviderRejectsSecondFileWithoutSplit(t *testing.T) {
	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	provider := NewDumpFileProvider(dir, false, true)
	f1, err := provider.GetFile("widgets")
	if err != nil {
		t.Fatalf("GetFile #1: %v", err)
	}
	f1.Close()
	if _, err := provider.GetFile("widgets"); err == nil {
		t.Fatal("GetFile should fail on a second request when splitFiles is disabled")
	}
}

func TestRunCollectionJobPullsUntilNoMore(t *testing.T) {
	var batchesServed int
	mux := http.NewServeMux()
	mux.HandleFunc("/_db/mydb/_api/dump/start", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ctx-1","ttl":60}`))
	})
	mux.HandleFunc("/_db/mydb/_api/dump/next/ctx-1", func(w http.ResponseWriter, r *http.Request) {
		batchesServed++
		if batchesServed <= 2 {
			w.Header().Set("X-Arango-Dump-More", "true")
			w.Write([]byte(`{"_key":"1"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/_db/mydb/_api/dump/ctx-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr, err := httpapi.NewManager(httpapi.Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	file, err := dir.WritableFile("widgets.data.json", true, false)
	if err != nil {
		t.Fatalf("WritableFile: %v", err)
	}

	st := &stats.Counters{}
	job := CollectionJob{Collection: CollectionInfo{Name: "widgets"}}
	if err := RunCollectionJob(context.Background(), client, job, file, st, nil); err != nil {
		t.Fatalf("RunCollectionJob: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content, err := dir.SlurpFile("widgets.data.json", false)
	if err != nil {
		t.Fatalf("SlurpFile: %v", err)
	}
	if got := strings.Count(content, "\n"); got != 2 {
		t.Fatalf("wrote %d lines, want 2", got)
	}
	if snap := st.Snapshot(); snap.BatchesReceived != 3 {
		t.Fatalf("BatchesReceived = %d, want 3 (two with data, one empty)", snap.BatchesReceived)
	}
}

func TestRunCollectionJobUpdatesProgressTracker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_db/mydb/_api/dump/start", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ctx-1","ttl":60}`))
	})
	served := false
	mux.HandleFunc("/_db/mydb/_api/dump/next/ctx-1", func(w http.ResponseWriter, r *http.Request) {
		if !served {
			served = true
			w.Header().Set("X-Arango-Dump-More", "true")
			w.Write([]byte(`{"_key":"1"}` + "\n" + `{"_key":"2"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/_db/mydb/_api/dump/ctx-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr, err := httpapi.NewManager(httpapi.Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	file, err := dir.WritableFile("widgets.data.json", true, false)
	if err != nil {
		t.Fatalf("WritableFile: %v", err)
	}

	tracker, err := progress.NewTracker[progress.Record](dir, false)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	job := CollectionJob{Collection: CollectionInfo{Name: "widgets"}}
	if err := RunCollectionJob(context.Background(), client, job, file, &stats.Counters{}, tracker); err != nil {
		t.Fatalf("RunCollectionJob: %v", err)
	}
	file.Close()

	status := tracker.GetStatus("widgets")
	if !status.Done {
		t.Fatal("tracker status should be marked Done once the server reports no more batches")
	}
	if status.DocumentsSeen != 2 {
		t.Fatalf("DocumentsSeen = %d, want 2", status.DocumentsSeen)
	}
}

func TestFetchInventoryParsesCollectionsAndShards(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_db/mydb/_api/replication/inventory", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("includeSystem"); got != "true" {
			t.Errorf("includeSystem query = %q, want true", got)
		}
		w.Write([]byte(`{
			"collections": [
				{"parameters": {"name": "widgets", "isSystem": false, "type": 2, "shards": {"s1": ["dbserver1", "dbserver2"]}}},
				{"parameters": {"name": "_users", "isSystem": true, "type": 2}}
			],
			"views": [{"name": "v1"}]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr, err := httpapi.NewManager(httpapi.Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	infos, views, err := FetchInventory(context.Background(), client, true)
	if err != nil {
		t.Fatalf("FetchInventory: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("FetchInventory returned %d collections, want 2", len(infos))
	}
	if len(views) == 0 {
		t.Fatal("FetchInventory should return the raw views payload")
	}

	var widgets CollectionInfo
	for _, c := range infos {
		if c.Name == "widgets" {
			widgets = c
		}
	}
	if widgets.Shards["s1"] != "dbserver1" {
		t.Fatalf("widgets.Shards[s1] = %q, want the first entry (leader) dbserver1", widgets.Shards["s1"])
	}
	if len(widgets.Structure) == 0 {
		t.Fatal("Structure should hold the raw inventory entry for WriteStructureFile")
	}
}

func TestBuildShardAssignmentsFlattensAndSorts(t *testing.T) {
	infos := []CollectionInfo{
		{Name: "widgets", Shards: map[string]string{"s2": "dbserver2", "s1": "dbserver1"}},
		{Name: "gadgets", Shards: map[string]string{"s3": "dbserver1"}},
	}
	got := BuildShardAssignments(infos)
	if len(got) != 3 {
		t.Fatalf("BuildShardAssignments returned %d assignments, want 3", len(got))
	}
	if got[0].Collection != "gadgets" {
		t.Fatalf("assignments[0].Collection = %q, want gadgets to sort first", got[0].Collection)
	}
}

func TestWriteDatabaseManifestRoundTrips(t *testing.T) {
	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := WriteDatabaseManifest(dir, true, DatabaseManifest{Database: "mydb"}); err != nil {
		t.Fatalf("WriteDatabaseManifest: %v", err)
	}
	content, err := dir.SlurpFile("dump.json", false)
	if err != nil {
		t.Fatalf("SlurpFile: %v", err)
	}
	if !strings.Contains(content, `"database":"mydb"`) {
		t.Fatalf("dump.json = %q, want it to contain the database name", content)
	}
}

func TestGroupShardsByServer(t *testing.T) {
	assignments := []ShardAssignment{
		{Collection: "widgets", ShardName: "s1", Server: "dbserver1"},
		{Collection: "widgets", ShardName: "s2", Server: "dbserver2"},
		{Collection: "gadgets", ShardName: "s3", Server: "dbserver1"},
	}
	grouped := GroupShardsByServer(assignments)
	if len(grouped["dbserver1"]) != 2 || len(grouped["dbserver2"]) != 1 {
		t.Fatalf("grouped = %+v", grouped)
	}
}

func TestParallelDumpServerDrainsAllShards(t *testing.T) {
	var served sync.Map
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_api/dump/start"):
			var body struct {
				Collection string `json:"collection"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			w.Write([]byte(`{"id":"ctx-` + body.Collection + `","ttl":60}`))
		case strings.Contains(r.URL.Path, "/_api/dump/next/"):
			ctxID := strings.TrimPrefix(r.URL.Path, "/_db/mydb/_api/dump/next/")
			n, _ := served.LoadOrStore(ctxID, new(int64))
			count := atomic.AddInt64(n.(*int64), 1)
			if count <= 1 {
				w.Header().Set("X-Arango-Dump-More", "true")
				w.Write([]byte(`{"_key":"x"}` + "\n"))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(r.URL.Path, "/_db/mydb/_api/dump/ctx-"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	mgr, err := httpapi.NewManager(httpapi.Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	provider := NewDumpFileProvider(dir, false, true)

	server := &ParallelDumpServer{
		Client: client,
		Server: "dbserver1",
		Shards: []ShardAssignment{
			{Collection: "widgets", ShardName: "s1", Server: "dbserver1"},
			{Collection: "gadgets", ShardName: "s2", Server: "dbserver1"},
		},
		FileProvider: provider,
		Stats:        &stats.Counters{},
		Options: &config.Options{
			DBServerWorkerThreads:   2,
			LocalWriterThreads:      2,
			DBServerPrefetchBatches: 4,
		},
	}

	if err := server.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, name := range []string{"widgets.data.json", "gadgets.data.json"} {
		content, err := dir.SlurpFile(name, true)
		if err != nil {
			t.Fatalf("SlurpFile(%s): %v", name, err)
		}
		if !strings.Contains(content, `"_key":"x"`) {
			t.Fatalf("%s missing expected content: %q", name, content)
		}
	}
}

func TestParallelDumpServerUpdatesProgressTracker(t *testing.T) {
	count := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_api/dump/start"):
			w.Write([]byte(`{"id":"ctx-1","ttl":60}`))
		case strings.HasPrefix(r.URL.Path, "/_db/mydb/_api/dump/next/ctx-"):
			count++
			if count <= 1 {
				w.Header().Set("X-Arango-Dump-More", "true")
				w.Write([]byte(`{"_key":"1"}` + "\n" + `{"_key":"2"}` + "\n"))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(r.URL.Path, "/_db/mydb/_api/dump/ctx-"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	mgr, err := httpapi.NewManager(httpapi.Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	backend, err := managedio.NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := managedio.Open(context.Background(), backend, managedio.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	provider := NewDumpFileProvider(dir, false, true)
	tracker, err := progress.NewTracker[progress.Record](dir, false)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	server := &ParallelDumpServer{
		Client:       client,
		Server:       "dbserver1",
		Shards:       []ShardAssignment{{Collection: "widgets", ShardName: "s1", Server: "dbserver1"}},
		FileProvider: provider,
		Stats:        &stats.Counters{},
		Tracker:      tracker,
		Options: &config.Options{
			DBServerWorkerThreads:   1,
			LocalWriterThreads:      1,
			DBServerPrefetchBatches: 4,
		},
	}

	if err := server.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status := tracker.GetStatus("widgets")
	if !status.Done {
		t.Fatal("tracker status should be marked Done once every shard for the collection has drained")
	}
	if status.DocumentsSeen != 2 {
		t.Fatalf("DocumentsSeen = %d, want 2", status.DocumentsSeen)
	}
}
