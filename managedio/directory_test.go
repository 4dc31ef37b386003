package managedio

import (
	"context"
	"errors"
	"testing"
)

func TestOpenCreatesEncryptionSidecar(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := Open(context.Background(), backend, OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if dir.EncryptionTag() != "none" {
		t.Fatalf("EncryptionTag() = %q, want none", dir.EncryptionTag())
	}
	if dir.IsEncrypted() {
		t.Fatal("IsEncrypted() = true for tag none")
	}

	if _, exists, err := backend.Stat(context.Background(), encryptionSidecarName); err != nil || !exists {
		t.Fatalf("expected ENCRYPTION sidecar to be written, exists=%v err=%v", exists, err)
	}
}

func TestReopenRequiresPassphrase(t *testing.T) {
	dirPath := t.TempDir()
	backend, err := NewLocalBackend(dirPath, true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	if _, err := Open(context.Background(), backend, OpenOptions{
		Create:        true,
		EncryptionTag: "aes256-gcm",
		Passphrase:    "hunter2",
	}); err != nil {
		t.Fatalf("Open (create): %v", err)
	}

	backend2, err := NewLocalBackend(dirPath, false)
	if err != nil {
		t.Fatalf("NewLocalBackend (reopen): %v", err)
	}
	if _, err := Open(context.Background(), backend2, OpenOptions{}); err == nil {
		t.Fatal("reopening an encrypted directory without a passphrase should fail")
	}

	dir2, err := Open(context.Background(), backend2, OpenOptions{Passphrase: "hunter2"})
	if err != nil {
		t.Fatalf("reopening with the correct passphrase should succeed: %v", err)
	}
	if !dir2.IsEncrypted() {
		t.Fatal("reopened directory should report IsEncrypted true")
	}
}

func TestWritableFileRejectsExistingWhenNotOverwrite(t *testing.T) {
	dir := openTempDirectory(t, false, "none", "")
	if err := dir.SpitFile("data", "first", true); err != nil {
		t.Fatalf("SpitFile: %v", err)
	}
	_, err := dir.WritableFile("data", false, true)
	if !errors.Is(err, ErrFileExists) {
		t.Fatalf("WritableFile(overwrite=false) on existing file = %v, want ErrFileExists", err)
	}
}

func TestDirectoryOverwritePolicyBlocksReplacement(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	dir, err := Open(context.Background(), backend, OpenOptions{Create: true, Overwrite: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dir.SpitFile("data", "first", true); err != nil {
		t.Fatalf("SpitFile: %v", err)
	}
	_, err = dir.WritableFile("data", true, true)
	if !errors.Is(err, ErrCannotOverwriteFile) {
		t.Fatalf("WritableFile on a no-overwrite directory = %v, want ErrCannotOverwriteFile", err)
	}
}

func TestListContentFilesExcludesSidecars(t *testing.T) {
	dir := openTempDirectory(t, false, "aes256-gcm", "hunter2")
	if err := dir.SpitFile("collection.structure.json", "{}", true); err != nil {
		t.Fatalf("SpitFile: %v", err)
	}
	entries, err := dir.ListContentFiles(context.Background())
	if err != nil {
		t.Fatalf("ListContentFiles: %v", err)
	}
	for _, e := range entries {
		if e == encryptionSidecarName || e == saltSidecarName {
			t.Fatalf("ListContentFiles leaked sidecar entry %q", e)
		}
	}
	if len(entries) != 1 || entries[0] != "collection.structure.json" {
		t.Fatalf("ListContentFiles = %v, want [collection.structure.json]", entries)
	}
}

func TestDocumentFromJSONFile(t *testing.T) {
	dir := openTempDirectory(t, false, "none", "")
	if err := dir.SpitFile("doc.json", `{"name":"widgets","count":3}`, true); err != nil {
		t.Fatalf("SpitFile: %v", err)
	}
	doc, err := dir.DocumentFromJSONFile("doc.json")
	if err != nil {
		t.Fatalf("DocumentFromJSONFile: %v", err)
	}
	m, ok := doc.Value.(map[string]any)
	if !ok {
		t.Fatalf("decoded value is %T, want map[string]any", doc.Value)
	}
	if m["name"] != "widgets" {
		t.Fatalf("name = %v, want widgets", m["name"])
	}
}
