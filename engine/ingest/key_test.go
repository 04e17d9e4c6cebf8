package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WessleyAI/paperqa/engine/domain"
)

func TestRecordKey_Normalizes(t *testing.T) {
	a := domain.PaperRecord{Title: "Deep  Learning\n", Abstract: "We\tPROPOSE a method."}
	b := domain.PaperRecord{Title: "deep learning", Abstract: "we propose a method."}
	if RecordKey(a, MinKeyPrefix) != RecordKey(b, MinKeyPrefix) {
		t.Fatalf("keys differ: %q vs %q", RecordKey(a, MinKeyPrefix), RecordKey(b, MinKeyPrefix))
	}
}

func TestRecordKey_Prefix(t *testing.T) {
	head := strings.Repeat("x", MinKeyPrefix)
	a := domain.PaperRecord{Title: "T", Abstract: head + " first tail"}
	b := domain.PaperRecord{Title: "T", Abstract: head + " second tail"}
	if RecordKey(a, MinKeyPrefix) != RecordKey(b, MinKeyPrefix) {
		t.Error("abstracts equal over the prefix should collide")
	}
	if RecordKey(a, 200) == RecordKey(b, 200) {
		t.Error("longer prefix should separate them")
	}
	if RecordKey(a, 10) != RecordKey(a, MinKeyPrefix) {
		t.Error("prefix below the minimum should be raised")
	}
}

func TestRecordKey_TitleAndAbstractAreSeparated(t *testing.T) {
	a := domain.PaperRecord{Title: "ab", Abstract: "c"}
	b := domain.PaperRecord{Title: "a", Abstract: "bc"}
	c := domain.PaperRecord{Title: "a\x1fb", Abstract: "c"}
	if RecordKey(a, MinKeyPrefix) == RecordKey(b, MinKeyPrefix) {
		t.Error("title/abstract boundary lost")
	}
	if RecordKey(c, MinKeyPrefix) == RecordKey(b, MinKeyPrefix) {
		t.Error("separator inside a title must not fake a boundary")
	}
}

func TestRecordKey_MultibytePrefix(t *testing.T) {
	abs := strings.Repeat("é", MinKeyPrefix+5)
	key := RecordKey(domain.PaperRecord{Title: "t", Abstract: abs}, MinKeyPrefix)
	if want := "t\x1f" + strings.Repeat("é", MinKeyPrefix); key != want {
		t.Fatalf("prefix cut mid-rune: %q", key)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.md", "a.md", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "dir.md"), 0o755); err != nil {
		t.Fatal(err)
	}

	docs, err := Discover(dir, "*.md", FingerprintSHA256, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(docs) != 2 || docs[0].Name != "a.md" || docs[1].Name != "b.md" {
		t.Fatalf("unexpected docs %+v", docs)
	}
	if docs[0].Size != 4 || len(docs[0].SHA256) != 64 {
		t.Errorf("fingerprint not filled: %+v", docs[0])
	}

	docs, _ = Discover(dir, "*.md", FingerprintStat, nil)
	if docs[0].SHA256 != "" {
		t.Error("stat fingerprint should not hash")
	}
}

func TestDiscover_SkipsDanglingSymlink(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "missing.md"), filepath.Join(dir, "b.md")); err != nil {
		t.Fatal(err)
	}
	for _, fp := range []Fingerprint{FingerprintStat, FingerprintSHA256} {
		docs, err := Discover(dir, "*.md", fp, nil)
		if err != nil {
			t.Fatalf("%s: Discover: %v", fp, err)
		}
		if len(docs) != 1 || docs[0].Name != "a.md" {
			t.Fatalf("%s: unexpected docs %+v", fp, docs)
		}
	}
}

func TestDiscover_MissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "nope"), "*.md", FingerprintStat, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestParsePolicyAndFingerprint(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyFull {
		t.Errorf("default policy = %q, %v", p, err)
	}
	if _, err := ParsePolicy("weekly"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad policy: %v", err)
	}
	if f, err := ParseFingerprint("sha256"); err != nil || f != FingerprintSHA256 {
		t.Errorf("sha256 = %q, %v", f, err)
	}
	if _, err := ParseFingerprint("md5"); err == nil {
		t.Error("md5 should be rejected")
	}
}
