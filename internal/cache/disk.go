package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

const (
	diskEntrySuffix = ".zst"
	diskMetaFile    = "store.json"
	diskDirPerm     = 0o700
	diskFilePerm    = 0o600
)

// DiskBackend keeps one directory per named store under root. Each entry is a
// zstd-compressed JSON record whose file name is the digest of its key.
type DiskBackend struct {
	root           string
	maxObjectBytes int64
	encoder        *zstd.Encoder
	decoder        *zstd.Decoder

	mu     sync.Mutex
	stores map[string]*DiskStore
}

type diskMeta struct {
	Name    string `json:"name"`
	Created int64  `json:"created_unix_nano"`
}

type diskRecord struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	Digest   string      `json:"digest"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`
}

func NewDiskBackend(root string, maxObjectBytes int64) (*DiskBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("disk cache root is empty")
	}
	if err := os.MkdirAll(root, diskDirPerm); err != nil {
		return nil, fmt.Errorf("create disk cache root: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &DiskBackend{
		root:           root,
		maxObjectBytes: maxObjectBytes,
		encoder:        encoder,
		decoder:        decoder,
		stores:         make(map[string]*DiskStore),
	}, nil
}

func (b *DiskBackend) Close() error {
	if b == nil {
		return nil
	}
	b.encoder.Close()
	b.decoder.Close()
	return nil
}

func (b *DiskBackend) storeDir(name string) string {
	return filepath.Join(b.root, digest.FromString(name).Encoded())
}

func (b *DiskBackend) Open(name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if store, ok := b.stores[name]; ok {
		return store, nil
	}
	dir := b.storeDir(name)
	if err := os.MkdirAll(dir, diskDirPerm); err != nil {
		return nil, fmt.Errorf("create store %q: %w", name, err)
	}
	metaPath := filepath.Join(dir, diskMetaFile)
	if _, err := os.Stat(metaPath); errors.Is(err, os.ErrNotExist) {
		data, err := json.Marshal(diskMeta{Name: name, Created: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(metaPath, data); err != nil {
			return nil, fmt.Errorf("write store %q meta: %w", name, err)
		}
	}
	store := &DiskStore{dir: dir, backend: b}
	b.stores[name] = store
	return store, nil
}

func (b *DiskBackend) Names() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	metas := make([]diskMeta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.root, entry.Name(), diskMetaFile))
		if err != nil {
			continue
		}
		var meta diskMeta
		if err := json.Unmarshal(data, &meta); err != nil || meta.Name == "" {
			continue
		}
		metas = append(metas, meta)
	}
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].Created < metas[j].Created })
	names := make([]string, 0, len(metas))
	for _, meta := range metas {
		names = append(names, meta.Name)
	}
	return names, nil
}

func (b *DiskBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dir := b.storeDir(name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrStoreNotFound
	}
	delete(b.stores, name)
	return os.RemoveAll(dir)
}

type DiskStore struct {
	dir     string
	backend *DiskBackend
	mu      sync.RWMutex
}

func (s *DiskStore) entryPath(key string) string {
	return filepath.Join(s.dir, digest.FromString(key).Encoded()+diskEntrySuffix)
}

func (s *DiskStore) Get(key string) (*Response, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	record, err := s.readRecord(s.entryPath(key))
	s.mu.RUnlock()
	if err != nil || record.Key != key {
		return nil, false
	}
	return &Response{
		Status:   record.Status,
		Header:   record.Header,
		Body:     record.Body,
		URL:      record.URL,
		StoredAt: record.StoredAt,
	}, true
}

func (s *DiskStore) Set(key string, resp *Response) error {
	if s == nil {
		return ErrStoreMissing
	}
	if resp == nil {
		return nil
	}
	if int64(len(resp.Body)) > s.backend.maxObjectBytes {
		return ErrObjectTooBig
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	data, err := json.Marshal(diskRecord{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Digest:   digest.FromBytes(resp.Body).String(),
		URL:      resp.URL,
		StoredAt: storedAt,
	})
	if err != nil {
		return err
	}
	compressed := s.backend.encoder.EncodeAll(data, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.entryPath(key), compressed)
}

func (s *DiskStore) Delete(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	_ = os.Remove(s.entryPath(key))
	s.mu.Unlock()
}

func (s *DiskStore) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), diskEntrySuffix) {
			continue
		}
		record, err := s.readRecord(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, record.Key)
	}
	slices.Sort(keys)
	return keys
}

func (s *DiskStore) Len() int {
	return len(s.Keys())
}

func (s *DiskStore) readRecord(path string) (diskRecord, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return diskRecord{}, err
	}
	data, err := s.backend.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return diskRecord{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	var record diskRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return diskRecord{}, err
	}
	expected, err := digest.Parse(record.Digest)
	if err != nil {
		return diskRecord{}, err
	}
	if digest.FromBytes(record.Body) != expected {
		return diskRecord{}, fmt.Errorf("entry %s failed digest verification", filepath.Base(path))
	}
	return record, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(diskFilePerm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
