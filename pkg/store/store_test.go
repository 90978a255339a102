package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"

	_ "modernc.org/sqlite"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func sample(id string, state contracts.State, offset time.Duration) *contracts.LearningContract {
	c := contracts.EpisodicDraft("alice", contracts.Scope{Domains: []string{"coding"}}).Build(id, t0.Add(offset))
	c.State = state
	c.Metadata = map[string]any{"purpose": "pairing"}
	return c
}

// exerciseAdapter runs the shared Adapter contract against a.
func exerciseAdapter(t *testing.T, a Adapter) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Clear(ctx))

	c := sample("lc-1", contracts.StateDraft, 0)
	require.NoError(t, a.Save(ctx, c))

	c.Scope.Domains[0] = "mutated"
	got, err := a.Get(ctx, "lc-1")
	require.NoError(t, err)
	assert.Equal(t, "coding", got.Scope.Domains[0])
	assert.Equal(t, contracts.StateDraft, got.State)
	assert.Equal(t, "pairing", got.Metadata["purpose"])

	got.State = contracts.StateReview
	require.NoError(t, a.Save(ctx, got))
	latest, err := a.Get(ctx, "lc-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateReview, latest.State)

	require.NoError(t, a.Save(ctx, sample("lc-2", contracts.StateActive, time.Minute)))
	ok, err := a.Exists(ctx, "lc-2")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "lc-1", all[0].ContractID)

	removed, err := a.Delete(ctx, "lc-2")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = a.Delete(ctx, "lc-2")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = a.Get(ctx, "lc-2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.Clear(ctx))
	n, err = a.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryAdapter(t *testing.T) {
	a := NewMemoryAdapter()
	exerciseAdapter(t, a)
	require.NoError(t, a.Close())
	_, err := a.Get(context.Background(), "lc-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileAdapter(t *testing.T) {
	a := NewFileAdapter(filepath.Join(t.TempDir(), "contracts.json"))
	exerciseAdapter(t, a)
}

func TestFileAdapter_RequiresInitialize(t *testing.T) {
	a := NewFileAdapter(filepath.Join(t.TempDir(), "contracts.json"))
	err := a.Save(context.Background(), sample("lc-1", contracts.StateDraft, 0))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestFileAdapter_ReloadsPersistedState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contracts.json")

	a := NewFileAdapter(path)
	require.NoError(t, a.Initialize(ctx))
	c := sample("lc-1", contracts.StateActive, 0)
	c.MemoryPermissions.Retention = contracts.TimeboundRetention(t0.Add(48 * time.Hour))
	require.NoError(t, a.Save(ctx, c))

	b := NewFileAdapter(path)
	require.NoError(t, b.Initialize(ctx))
	got, err := b.Get(ctx, "lc-1")
	require.NoError(t, err)
	until, ok := got.MemoryPermissions.Retention.Until()
	require.True(t, ok)
	assert.True(t, until.Equal(t0.Add(48*time.Hour)))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileAdapter_RejectsTamperedDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contracts.json")

	a := NewFileAdapter(path)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Save(ctx, sample("lc-1", contracts.StateActive, 0)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"classification_cap": 3`, `"classification_cap": 5`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	err = NewFileAdapter(path).Initialize(ctx)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFileAdapter_SealedChecksum(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contracts.json")

	a := NewFileAdapter(path, WithSealSecret([]byte("seal")))
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Save(ctx, sample("lc-1", contracts.StateActive, 0)))

	require.NoError(t, NewFileAdapter(path, WithSealSecret([]byte("seal"))).Initialize(ctx))
	assert.ErrorIs(t, NewFileAdapter(path).Initialize(ctx), ErrChecksumMismatch)
	assert.ErrorIs(t, NewFileAdapter(path, WithSealSecret([]byte("other"))).Initialize(ctx), ErrChecksumMismatch)
}

func TestFileAdapter_SchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contracts.json")

	doc := document{SchemaVersion: "2.0.0", Contracts: []json.RawMessage{}}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	assert.ErrorIs(t, NewFileAdapter(path).Initialize(ctx), ErrSchemaVersion)

	doc.SchemaVersion = "banana"
	raw, _ = json.Marshal(doc)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	assert.ErrorIs(t, NewFileAdapter(path).Initialize(ctx), ErrSchemaVersion)
}

func TestDecodeRecord_RejectsInvalid(t *testing.T) {
	rec, err := EncodeRecord(sample("lc-1", contracts.StateActive, 0))
	require.NoError(t, err)
	_, err = DecodeRecord(rec)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(rec, &m))
	m["state"] = "limbo"
	bad, _ := json.Marshal(m)
	_, err = DecodeRecord(bad)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	require.NoError(t, json.Unmarshal(rec, &m))
	m["memory_permissions"].(map[string]any)["classification_cap"] = 9
	bad, _ = json.Marshal(m)
	_, err = DecodeRecord(bad)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = DecodeRecord([]byte(`{"contract_id":`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

func TestSQLAdapter_SQLite(t *testing.T) {
	a := NewSQLAdapter(openSQLite(t))
	defer func() { _ = a.Close() }()
	exerciseAdapter(t, a)
}

func TestSQLAdapter_DetectsRowTampering(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	a := NewSQLAdapter(db)
	defer func() { _ = a.Close() }()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Save(ctx, sample("lc-1", contracts.StateActive, 0)))

	_, err := db.ExecContext(ctx, `UPDATE learning_contracts SET record = replace(record, '"revocable":true', '"revocable":false')`)
	require.NoError(t, err)

	_, err = a.Get(ctx, "lc-1")
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSQLAdapter_GetStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT record, record_hash FROM learning_contracts").
		WithArgs("lc-404").
		WillReturnRows(sqlmock.NewRows([]string{"record", "record_hash"}))

	_, err = NewSQLAdapter(db).Get(context.Background(), "lc-404")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisAdapter(t *testing.T) {
	addr := os.Getenv("LC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LC_TEST_REDIS_ADDR not set")
	}
	a := NewRedisAdapter(addr, "", 0, "lc-test-"+strings.ReplaceAll(t.Name(), "/", "-"))
	defer func() { _ = a.Close() }()
	exerciseAdapter(t, a)
}

func TestRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	past := t0.Add(-time.Hour)
	expired := sample("lc-expired", contracts.StateActive, 0)
	expired.Expiration = &past

	timebound := sample("lc-timebound", contracts.StateActive, time.Minute)
	timebound.MemoryPermissions.Retention = contracts.TimeboundRetention(t0.Add(-time.Minute))

	draft := sample("lc-draft", contracts.StateDraft, 2*time.Minute)
	draft.Expiration = &past

	bob := sample("lc-bob", contracts.StateActive, 3*time.Minute)
	bob.CreatedBy = "bob"

	for _, c := range []*contracts.LearningContract{expired, timebound, draft, bob} {
		require.NoError(t, repo.Save(ctx, c))
	}

	got, err := repo.Expired(ctx, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lc-expired", got[0].ContractID)

	got, err = repo.TimeboundExpired(ctx, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lc-timebound", got[0].ContractID)

	got, err = repo.Query(ctx, Filter{State: contracts.StateActive, CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.Query(ctx, Filter{CreatedBy: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// returned snapshots are copies
	got[0].State = contracts.StateRevoked
	again, err := repo.Get(ctx, "lc-bob")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateActive, again.State)
}
