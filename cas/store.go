// Package cas is a content-addressed blob store keyed by CIDv1 hashes, plus the
// HTTP storage bridge API that bundles are uploaded to.
package cas

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

const (
	defaultRootFolderName = "cas"
	shardBlockSize        = 4
	shardDepth            = 3
)

var (
	// ErrNotFound indicates no blob is stored under the hash.
	ErrNotFound = errors.New("cas: content not found")
	// ErrInvalidHash indicates a malformed or unsupported content hash.
	ErrInvalidHash = errors.New("cas: invalid content hash")
	// ErrCorrupted indicates stored bytes no longer match their hash.
	ErrCorrupted = errors.New("cas: content does not match hash")
)

// ContentHash returns the CIDv1 (raw codec, sha2-256) string for data.
func ContentHash(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// ParseHash validates a content hash string.
func ParseHash(hash string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(hash))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if decoded.Code != mh.SHA2_256 {
		return cid.Undef, fmt.Errorf("%w: unsupported multihash %s", ErrInvalidHash, decoded.Name)
	}
	return c, nil
}

// PathKey is where a blob lives under the store root.
type PathKey struct {
	PathName string
	Filename string
}

// FullPath joins the shard directories and the filename.
func (p PathKey) FullPath() string {
	return filepath.Join(p.PathName, p.Filename)
}

// CASPathTransform shards blobs by the hex digest so no directory grows unbounded.
func CASPathTransform(c cid.Cid) PathKey {
	decoded, err := mh.Decode(c.Hash())
	digest := c.String()
	if err == nil {
		digest = hex.EncodeToString(decoded.Digest)
	}

	parts := make([]string, 0, shardDepth)
	for i := 0; i < shardDepth && (i+1)*shardBlockSize <= len(digest); i++ {
		parts = append(parts, digest[i*shardBlockSize:(i+1)*shardBlockSize])
	}
	return PathKey{
		PathName: filepath.Join(parts...),
		Filename: c.String(),
	}
}

// Store keeps immutable blobs on disk under their content hash.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		root = defaultRootFolderName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create cas root: %w", err)
	}
	return &Store{root: root, logger: logger.Named("cas")}, nil
}

func (s *Store) pathFor(hash string) (string, error) {
	c, err := ParseHash(hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, CASPathTransform(c).FullPath()), nil
}

// Has reports whether a blob is stored under hash.
func (s *Store) Has(hash string) bool {
	path, err := s.pathFor(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Write stores data and returns its content hash. Writing existing content is a no-op.
func (s *Store) Write(data []byte) (string, error) {
	hash, err := ContentHash(data)
	if err != nil {
		return "", err
	}
	path, err := s.pathFor(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create shard directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}

	s.logger.Debug("stored blob", zap.String("hash", hash), zap.Int("bytes", len(data)))
	return hash, nil
}

// Read returns the blob stored under hash after checking it still matches.
func (s *Store) Read(hash string) ([]byte, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	actual, err := ContentHash(data)
	if err != nil {
		return nil, err
	}
	expected, _ := ParseHash(hash)
	if actual != expected.String() {
		return nil, ErrCorrupted
	}
	return data, nil
}

// Delete removes a blob. Missing blobs return ErrNotFound.
func (s *Store) Delete(hash string) error {
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) metaPath(hash string) (string, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return "", err
	}
	return path + ".meta.json", nil
}

// WriteRecord stores the archival record kept next to a blob.
func (s *Store) WriteRecord(record Record) error {
	path, err := s.metaPath(record.ContentHash)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode archival record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write archival record: %w", err)
	}
	return nil
}

// ReadRecord loads the archival record for hash.
func (s *Store) ReadRecord(hash string) (Record, error) {
	path, err := s.metaPath(hash)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read archival record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decode archival record: %w", err)
	}
	return record, nil
}

func statRoot(root string) (os.FileInfo, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return info, nil
}
