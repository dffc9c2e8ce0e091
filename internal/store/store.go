// Package store implements the content-addressed, on-disk artifact
// repository: page images, annotated images, and annotation records
// (spec section 4.2). Writes are temp-then-rename so no partial file is
// ever visible under its final, hash-derived name (invariant I4/P10).
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/apierr"
)

var log = logrus.WithField("component", "store")

// Kind distinguishes the three artifact shapes the catalog references.
type Kind string

const (
	KindOriginalPage     Kind = "original_page"
	KindAnnotated        Kind = "annotated"
	KindAnnotationRecord Kind = "annotation_record"
)

// maxReadRetries bounds the number of read attempts Get makes (the first
// try included) on transient I/O errors before surfacing ServerError
// (spec section 7).
const maxReadRetries = 3

// Store is a content-addressed artifact repository rooted at a directory
// tree. Artifact ids are hex SHA-256 digests of their content; Kind only
// affects which subdirectory a blob is filed under, since two different
// kinds of artifact with identical bytes are vanishingly unlikely and
// harmless to share on disk.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating the kind subdirectories
// and a scratch "tmp" directory (on the same filesystem, so rename is
// atomic) if they do not already exist.
func New(root string) (*Store, error) {
	for _, sub := range []string{"tmp", string(KindOriginalPage), string(KindAnnotated), string(KindAnnotationRecord)} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, apierr.Wrap(apierr.ServerError, "preparing artifact store directories", err)
		}
	}
	return &Store{root: root}, nil
}

// Hash returns the content digest used both as the artifact id and for
// integrity verification.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Put durably stores b under kind, returning its content hash as the
// artifact id. Put is idempotent: storing identical bytes twice (even
// concurrently) is a no-op the second time, since the final path is
// already occupied by byte-identical content.
func (s *Store) Put(kind Kind, b []byte) (string, error) {
	id := Hash(b)
	final := s.path(kind, id)

	if _, err := os.Stat(final); err == nil {
		return id, nil // already present — idempotent put
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "artifact-*")
	if err != nil {
		return "", apierr.Wrap(apierr.ServerError, "creating temp artifact file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", apierr.Wrap(apierr.ServerError, "writing temp artifact file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", apierr.Wrap(apierr.ServerError, "fsyncing temp artifact file", err)
	}
	if err := tmp.Close(); err != nil {
		return "", apierr.Wrap(apierr.ServerError, "closing temp artifact file", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return "", apierr.Wrap(apierr.ServerError, "renaming artifact into place", err)
	}
	return id, nil
}

// Get streams an artifact's bytes. It retries a small, bounded number of
// times on transient read errors before surfacing ServerError, per spec
// section 7's "Transient I/O errors during artifact reads are retried at
// most a small bounded number of times."
func (s *Store) Get(kind Kind, id string) ([]byte, error) {
	path := s.path(kind, id)

	var lastErr error
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		b, err := os.ReadFile(path)
		if err == nil {
			return b, nil
		}
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.NotFound, fmt.Sprintf("artifact %s not found", id))
		}
		lastErr = err
		log.WithError(err).WithField("artifact_id", id).Warnf("transient read error, attempt %d/%d", attempt+1, maxReadRetries)
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return nil, apierr.Wrap(apierr.ServerError, "reading artifact after retries", lastErr)
}

// Exists reports whether an artifact is present without reading its bytes.
func (s *Store) Exists(kind Kind, id string) bool {
	_, err := os.Stat(s.path(kind, id))
	return err == nil
}

// VerifyIntegrity recomputes the on-disk digest for id and compares it
// against the recorded content hash, implementing invariant I4 /
// testable property P10 as a live check rather than trust-on-read.
func (s *Store) VerifyIntegrity(kind Kind, id string) error {
	b, err := s.Get(kind, id)
	if err != nil {
		return err
	}
	if Hash(b) != id {
		return apierr.New(apierr.IntegrityMismatch, fmt.Sprintf("artifact %s content digest does not match its id", id))
	}
	return nil
}

func (s *Store) path(kind Kind, id string) string {
	return filepath.Join(s.root, string(kind), id)
}

// CopyInto streams an artifact directly to w, avoiding a full in-memory
// copy for the dispatcher's multi-part image responses.
func (s *Store) CopyInto(w io.Writer, kind Kind, id string) error {
	f, err := os.Open(s.path(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return apierr.New(apierr.NotFound, fmt.Sprintf("artifact %s not found", id))
		}
		return apierr.Wrap(apierr.ServerError, "opening artifact", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return apierr.Wrap(apierr.ServerError, "streaming artifact", err)
	}
	return nil
}
