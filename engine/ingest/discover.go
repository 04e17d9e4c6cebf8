package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/WessleyAI/paperqa/engine/domain"
)

// Fingerprint selects how a document is judged unchanged.
type Fingerprint string

const (
	// FingerprintStat compares size and modification time.
	FingerprintStat Fingerprint = "stat"
	// FingerprintSHA256 compares size and content hash, so a touch is not a change.
	FingerprintSHA256 Fingerprint = "sha256"
)

// ParseFingerprint validates s.
func ParseFingerprint(s string) (Fingerprint, error) {
	switch f := Fingerprint(s); f {
	case FingerprintStat, FingerprintSHA256:
		return f, nil
	case "":
		return FingerprintStat, nil
	}
	return "", domain.NewValidationError("fingerprint", s, domain.ErrValidation)
}

// Discover lists the regular files in dir matching glob, sorted by path. A
// missing or unreadable dir is an error; an empty match is not. A matched
// path that cannot be stat'ed (a dangling symlink, a file removed after the
// glob) is logged and left out. A file that cannot be hashed is returned
// without a hash so Synchronize can fail just that document.
func Discover(dir, glob string, fp Fingerprint, log *slog.Logger) ([]domain.SourceDocument, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: documents dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ingest: documents dir %s is not a directory", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, fmt.Errorf("ingest: glob %q: %w", glob, err)
	}
	slices.Sort(matches)

	docs := make([]domain.SourceDocument, 0, len(matches))
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			log.Warn("skipping unreadable document", "document", path, "err", err)
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		doc := domain.SourceDocument{
			Path:    path,
			Name:    fi.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if fp == FingerprintSHA256 {
			if doc.SHA256, err = hashFile(path); err != nil {
				log.Warn("document hash failed", "document", path, "err", err)
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ingest: hash %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("ingest: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
