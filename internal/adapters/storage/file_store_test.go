package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestSave_WritesFileUnderKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://files.local/", zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	data := []byte("%PDF-1.4 test")
	key, err := store.Save(context.Background(), "MSG-1", "invoice.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if key != "MSG-1_invoice.pdf" {
		t.Errorf("key = %q, want MSG-1_invoice.pdf", key)
	}
	got, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("stored bytes = %q, want %q", got, data)
	}
}

func TestSave_SanitizesKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://files.local", zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	key, err := store.Save(context.Background(), "<abc@x>", "rapor günü.pdf", "application/pdf", []byte("x"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if key != "_abc_x__rapor_g_n_.pdf" {
		t.Errorf("key = %q, want %q", key, "_abc_x__rapor_g_n_.pdf")
	}
	if _, err := os.Stat(filepath.Join(dir, key)); err != nil {
		t.Errorf("expected file at sanitized key: %v", err)
	}
}

func TestSave_OverwriteIsAtomicReplacement(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://files.local", zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	if _, err := store.Save(context.Background(), "MSG-1", "a.txt", "text/plain", []byte("first")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	key, err := store.Save(context.Background(), "MSG-1", "a.txt", "text/plain", []byte("second"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("stored bytes = %q, want the replacement content", got)
	}

	// No temp residue left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading storage dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("storage dir entries = %d, want 1", len(entries))
	}
}

func TestPublicURL(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://files.local/", zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	got := store.PublicURL("MSG-1_invoice.pdf")
	want := "http://files.local/attachments/MSG-1_invoice.pdf"
	if got != want {
		t.Errorf("PublicURL() = %q, want %q", got, want)
	}
}

func TestNewFileStore_EmptyDir(t *testing.T) {
	if _, err := NewFileStore("", "http://files.local", zap.NewNop()); err == nil {
		t.Error("expected error for empty storage directory")
	}
}
