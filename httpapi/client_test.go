package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRewriteLocationAddsPrefix(t *testing.T) {
	cases := map[string]string{
		"/_api/version":    "/_db/mydb/_api/version",
		"_api/version":     "/_db/mydb/_api/version",
		"/_db/other/x":     "/_db/other/x",
		"/_api/collection": "/_db/mydb/_api/collection",
	}
	for in, want := range cases {
		got := RewriteLocation("mydb", in)
		if got != want {
			t.Errorf("RewriteLocation(mydb, %q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientDoRewritesPathAndSucceeds(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server":"arango","version":"3.11.0"}`))
	}))
	defer srv.Close()

	mgr, err := NewManager(Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	resp, err := client.Do(context.Background(), http.MethodGet, "/_api/version", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if gotPath != "/_db/mydb/_api/version" {
		t.Fatalf("server saw path %q, want /_db/mydb/_api/version", gotPath)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetConnectedClientSwallowsDatabaseNotFoundWhenQuiet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":true,"errorNum":1228,"errorMessage":"database not found","code":404}`))
	}))
	defer srv.Close()

	mgr, err := NewManager(Config{Endpoint: srv.URL, Database: "missing"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.GetConnectedClient(context.Background(), 0, false, false)
	if err != nil {
		t.Fatalf("GetConnectedClient should swallow DATABASE_NOT_FOUND when not logging it, got %v", err)
	}
	if client == nil {
		t.Fatal("GetConnectedClient returned a nil client")
	}
}

func TestGetArangoIsClusterDetectsCoordinatorRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_db/mydb/_admin/server/role" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"role":"COORDINATOR"}`))
	}))
	defer srv.Close()

	mgr, err := NewManager(Config{Endpoint: srv.URL, Database: "mydb"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client, err := mgr.NewClient(0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	isCluster, role, err := GetArangoIsCluster(context.Background(), client)
	if err != nil {
		t.Fatalf("GetArangoIsCluster: %v", err)
	}
	if !isCluster || role != "COORDINATOR" {
		t.Fatalf("isCluster=%v role=%q, want true/COORDINATOR", isCluster, role)
	}
}
