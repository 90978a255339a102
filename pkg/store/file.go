package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// SchemaVersion is written into every file document.
const SchemaVersion = "1.1.0"

// supportedSchemas is the range of document versions this build can read.
const supportedSchemas = ">= 1.0.0, < 2.0.0"

// document is the on-disk format of a FileAdapter.
type document struct {
	SchemaVersion string            `json:"schema_version"`
	SavedAt       time.Time         `json:"saved_at"`
	Checksum      string            `json:"checksum"`
	Contracts     []json.RawMessage `json:"contracts"`
}

// FileAdapter keeps all contracts in one JSON document. Every mutation
// rewrites the document atomically (temp file + rename) with a checksum over
// the canonical contract list; loads with a mismatching checksum are rejected.
type FileAdapter struct {
	path    string
	sealKey []byte
	clock   contracts.Clock
	log     *slog.Logger

	mu          sync.RWMutex
	data        map[string]*contracts.LearningContract
	initialized bool
	closed      bool
}

// FileOption configures a FileAdapter.
type FileOption func(*FileAdapter)

// WithSealSecret switches the checksum from plain SHA-256 to an HMAC keyed
// by a value derived from secret, so edits cannot be re-checksummed without it.
func WithSealSecret(secret []byte) FileOption {
	return func(f *FileAdapter) {
		if len(secret) == 0 {
			return
		}
		r := hkdf.New(sha256.New, secret, []byte("learning-contracts-store"), []byte("file-checksum"))
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err == nil {
			f.sealKey = key
		}
	}
}

// WithFileClock sets the clock used for saved_at.
func WithFileClock(c contracts.Clock) FileOption {
	return func(f *FileAdapter) {
		if c != nil {
			f.clock = c
		}
	}
}

func NewFileAdapter(path string, opts ...FileOption) *FileAdapter {
	f := &FileAdapter{
		path:  path,
		clock: contracts.SystemClock{},
		log:   slog.Default().With("component", "store.file"),
		data:  make(map[string]*contracts.LearningContract),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Initialize loads the document if it exists. A missing file starts empty.
func (f *FileAdapter) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("store: failed to ensure data dir: %w", err)
	}

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.initialized = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", f.path, err)
	}

	data, err := f.decode(raw)
	if err != nil {
		return err
	}
	f.data = data
	f.initialized = true
	f.log.InfoContext(ctx, "contract store loaded", "path", f.path, "contracts", len(data))
	return nil
}

func (f *FileAdapter) decode(raw []byte) (map[string]*contracts.LearningContract, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if err := checkSchemaVersion(doc.SchemaVersion); err != nil {
		return nil, err
	}

	sum, err := f.checksum(doc.Contracts)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(sum), []byte(doc.Checksum)) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, f.path)
	}

	out := make(map[string]*contracts.LearningContract, len(doc.Contracts))
	for i, rec := range doc.Contracts {
		c, err := DecodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("contract %d: %w", i, err)
		}
		out[c.ContractID] = c
	}
	return out, nil
}

func checkSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrSchemaVersion, v, err)
	}
	constraint, err := semver.NewConstraint(supportedSchemas)
	if err != nil {
		return err
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("%w: %s not in %s", ErrSchemaVersion, ver, supportedSchemas)
	}
	return nil
}

// checksum hashes the RFC 8785 canonical form of the record list.
func (f *FileAdapter) checksum(records []json.RawMessage) (string, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("store: canonicalize: %w", err)
	}
	if f.sealKey != nil {
		mac := hmac.New(sha256.New, f.sealKey)
		mac.Write(canonical)
		return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil)), nil
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// persistLocked writes the whole document. Callers hold f.mu.
func (f *FileAdapter) persistLocked() error {
	all := make([]*contracts.LearningContract, 0, len(f.data))
	for _, c := range f.data {
		all = append(all, c)
	}
	sortContracts(all)

	records := make([]json.RawMessage, 0, len(all))
	for _, c := range all {
		rec, err := EncodeRecord(c)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	sum, err := f.checksum(records)
	if err != nil {
		return err
	}
	doc := document{
		SchemaVersion: SchemaVersion,
		SavedAt:       f.clock.Now().UTC(),
		Checksum:      sum,
		Contracts:     records,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: failed to commit document: %w", err)
	}
	return nil
}

func (f *FileAdapter) ready() error {
	if f.closed {
		return ErrClosed
	}
	if !f.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (f *FileAdapter) Save(_ context.Context, c *contracts.LearningContract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return err
	}
	prev, had := f.data[c.ContractID]
	f.data[c.ContractID] = c.Clone()
	if err := f.persistLocked(); err != nil {
		if had {
			f.data[c.ContractID] = prev
		} else {
			delete(f.data, c.ContractID)
		}
		return err
	}
	return nil
}

func (f *FileAdapter) Get(_ context.Context, id string) (*contracts.LearningContract, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ready(); err != nil {
		return nil, err
	}
	c, ok := f.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (f *FileAdapter) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return false, err
	}
	prev, ok := f.data[id]
	if !ok {
		return false, nil
	}
	delete(f.data, id)
	if err := f.persistLocked(); err != nil {
		f.data[id] = prev
		return false, err
	}
	return true, nil
}

func (f *FileAdapter) Exists(_ context.Context, id string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ready(); err != nil {
		return false, err
	}
	_, ok := f.data[id]
	return ok, nil
}

func (f *FileAdapter) GetAll(context.Context) ([]*contracts.LearningContract, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ready(); err != nil {
		return nil, err
	}
	out := make([]*contracts.LearningContract, 0, len(f.data))
	for _, c := range f.data {
		out = append(out, c.Clone())
	}
	sortContracts(out)
	return out, nil
}

func (f *FileAdapter) Count(context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ready(); err != nil {
		return 0, err
	}
	return len(f.data), nil
}

func (f *FileAdapter) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return err
	}
	prev := f.data
	f.data = make(map[string]*contracts.LearningContract)
	if err := f.persistLocked(); err != nil {
		f.data = prev
		return err
	}
	return nil
}

func (f *FileAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
