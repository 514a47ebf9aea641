package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"meshtrust/internal/testutil"
)

type rec struct {
	Op  string `json:"op"`
	Seq int    `json:"seq"`
}

func TestAppendAndReadJSONL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	path := filepath.Join(dir, "journal.jsonl")
	for i := 0; i < 3; i++ {
		if err := AppendJSONL(path, rec{Op: "put", Seq: i}); err != nil {
			t.Fatalf("AppendJSONL failed: %v", err)
		}
	}
	testutil.AssertPrivateDirPerm(t, dir)
	testutil.AssertPrivateFilePerm(t, path)

	var got []rec
	err := ReadJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(got) != 3 || got[2].Seq != 2 {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestReadJSONLSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	if err := AppendJSONL(path, rec{Op: "put", Seq: 1}); err != nil {
		t.Fatalf("AppendJSONL failed: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_, _ = f.WriteString("{\"op\":\"pu\n")
	_ = f.Close()
	if err := AppendJSONL(path, rec{Op: "put", Seq: 2}); err != nil {
		t.Fatalf("AppendJSONL failed: %v", err)
	}
	n := 0
	err = ReadJSONL(path, func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 good records, got %d", n)
	}
}

func TestReadJSONLMissingFile(t *testing.T) {
	called := false
	err := ReadJSONL(filepath.Join(t.TempDir(), "none.jsonl"), func([]byte) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Fatalf("expected empty read, err=%v called=%v", err, called)
	}
}

func TestRewriteJSONLReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	for i := 0; i < 5; i++ {
		_ = AppendJSONL(path, rec{Op: "put", Seq: i})
	}
	if err := RewriteJSONL(path, []rec{{Op: "put", Seq: 9}}); err != nil {
		t.Fatalf("RewriteJSONL failed: %v", err)
	}
	n := 0
	_ = ReadJSONL(path, func([]byte) error { n++; return nil })
	if n != 1 {
		t.Fatalf("expected 1 record after rewrite, got %d", n)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestCheckPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := WriteFileAtomic(path, []byte("x")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := CheckPrivate(path); err != nil {
		t.Fatalf("CheckPrivate failed: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	if err := CheckPrivate(path); !errors.Is(err, ErrInsecurePermissions) {
		t.Fatalf("expected ErrInsecurePermissions, got %v", err)
	}
}
