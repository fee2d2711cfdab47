package secretsvault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

func TestOpen_CreatesKeyAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(root); err != nil {
		t.Fatalf("Open: %v", err)
	}

	keyPath := filepath.Join(root, workspace.ConfigDirName, keyFileName)
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("expected key file, got error: %v", err)
	}
	firstModTime := info.ModTime()

	if _, err := Open(root); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	info, err = os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat after second open: %v", err)
	}
	if !info.ModTime().Equal(firstModTime) {
		t.Fatal("expected key file to be left untouched on second Open")
	}
}

func TestSetGet_RoundTrip(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := v.Set("site", "github_token", "s3cr3t"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := v.Get("site", "github_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected secret to be found")
	}
	if got != "s3cr3t" {
		t.Fatalf("expected %q, got %q", "s3cr3t", got)
	}
}

func TestGet_MissingKeyReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, ok, err := v.Get("site", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestSet_PersistsEncryptedAcrossReopen(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.Set("site", "github_token", "s3cr3t"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(root, workspace.ConfigDirName, storeFileName))
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	if indexOf(string(raw), "s3cr3t") >= 0 {
		t.Fatal("plaintext secret leaked into store file")
	}

	reopened, err := Open(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Get("site", "github_token")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !ok || got != "s3cr3t" {
		t.Fatalf("expected secret to survive reopen, got %q (ok=%v)", got, ok)
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestDelete_RemovesKey(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.Set("site", "github_token", "s3cr3t"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := v.Delete("site", "github_token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, ok, err := v.Get("site", "github_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestDelete_UnknownScopeIsNoop(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.Delete("missing", "key"); err != nil {
		t.Fatalf("expected nil error deleting from unknown scope, got %v", err)
	}
}

func TestKeys_SortedListing(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, k := range []string{"z_token", "a_token", "m_token"} {
		if err := v.Set("site", k, "value"); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	keys := v.Keys("site")
	want := []string{"a_token", "m_token", "z_token"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}

func TestKeys_UnknownScopeReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if keys := v.Keys("missing"); len(keys) != 0 {
		t.Fatalf("expected empty slice, got %v", keys)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.Set("site-a", "token", "alpha"); err != nil {
		t.Fatalf("Set site-a: %v", err)
	}
	if err := v.Set("site-b", "token", "beta"); err != nil {
		t.Fatalf("Set site-b: %v", err)
	}

	gotA, _, _ := v.Get("site-a", "token")
	gotB, _, _ := v.Get("site-b", "token")
	if gotA != "alpha" || gotB != "beta" {
		t.Fatalf("expected independent scopes, got a=%q b=%q", gotA, gotB)
	}
}
