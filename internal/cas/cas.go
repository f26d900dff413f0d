package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Suffix is appended to every archive entry file name.
const Suffix = ".eml"

// Store is a content-addressed archive of raw messages. An entry is keyed by
// the SHA-256 digest of its exact bytes and stored at
// <root>/<digest[0:2]>/<digest[2:4]>/<digest>.eml. Entries are written once
// and never modified afterwards.
type Store struct {
	root string
}

// New opens (and creates if necessary) an archive rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the archive root directory.
func (s *Store) Root() string { return s.root }

// Digest returns the lowercase hex SHA-256 digest of raw.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Path derives the entry path for a digest without touching the filesystem.
func (s *Store) Path(digest string) (string, error) {
	if len(digest) < 4 {
		return "", fmt.Errorf("digest %q too short", digest)
	}
	return filepath.Join(s.root, digest[0:2], digest[2:4], digest+Suffix), nil
}

// Exists reports whether an entry for digest is present.
func (s *Store) Exists(digest string) bool {
	p, err := s.Path(digest)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Put stores raw in the archive. It returns the digest and whether this call
// created the entry. Writing an already present digest is a no-op success;
// the existing entry is never truncated or rewritten.
func (s *Store) Put(raw []byte) (digest string, wasNew bool, err error) {
	digest = Digest(raw)
	dest, err := s.Path(digest)
	if err != nil {
		return digest, false, err
	}
	if _, err := os.Stat(dest); err == nil {
		return digest, false, nil
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return digest, false, fmt.Errorf("%s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+digest+".*.tmp")
	if err != nil {
		return digest, false, fmt.Errorf("%s: %w", dest, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return digest, false, fmt.Errorf("%s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return digest, false, fmt.Errorf("%s: %w", dest, err)
	}
	// Link is the create-if-absent primitive: exactly one of any number of
	// concurrent writers for the same digest wins, the others see ErrExist.
	if err := os.Link(tmpName, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return digest, false, nil
		}
		return digest, false, fmt.Errorf("%s: %w", dest, err)
	}
	return digest, true, nil
}

// Get returns the exact bytes stored for digest. A missing entry satisfies
// errors.Is(err, fs.ErrNotExist).
func (s *Store) Get(digest string) ([]byte, error) {
	p, err := s.Path(digest)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Walk calls fn for every archive entry. fn receives the entry digest and
// its path; returning an error stops the walk.
func (s *Store) Walk(fn func(digest, path string) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), Suffix) {
			return nil
		}
		return fn(strings.TrimSuffix(d.Name(), Suffix), path)
	})
}
