package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// SQLAdapter implements Adapter using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLAdapter struct {
	db *sql.DB
}

func NewSQLAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db}
}

const contractsSchema = `
CREATE TABLE IF NOT EXISTS learning_contracts (
	contract_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	contract_type TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	record TEXT NOT NULL,
	record_hash TEXT NOT NULL
);
`

func (s *SQLAdapter) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, contractsSchema)
	return err
}

func recordHash(rec []byte) string {
	sum := sha256.Sum256(rec)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (s *SQLAdapter) Save(ctx context.Context, c *contracts.LearningContract) error {
	rec, err := EncodeRecord(c)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO learning_contracts (contract_id, state, contract_type, created_by, created_at, updated_at, record, record_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contract_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			record = excluded.record,
			record_hash = excluded.record_hash
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ContractID, string(c.State), string(c.ContractType), c.CreatedBy,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		string(rec), recordHash(rec),
	)
	if err != nil {
		return fmt.Errorf("store: failed to upsert contract: %w", err)
	}
	return nil
}

func (s *SQLAdapter) Get(ctx context.Context, id string) (*contracts.LearningContract, error) {
	query := `SELECT record, record_hash FROM learning_contracts WHERE contract_id = $1`
	var rec, hash string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRow(id, rec, hash)
}

func decodeRow(id, rec, hash string) (*contracts.LearningContract, error) {
	if recordHash([]byte(rec)) != hash {
		return nil, fmt.Errorf("%w: row %s", ErrChecksumMismatch, id)
	}
	return DecodeRecord([]byte(rec))
}

func (s *SQLAdapter) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM learning_contracts WHERE contract_id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLAdapter) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_contracts WHERE contract_id = $1`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLAdapter) GetAll(ctx context.Context) ([]*contracts.LearningContract, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contract_id, record, record_hash FROM learning_contracts ORDER BY created_at, contract_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.LearningContract, 0)
	for rows.Next() {
		var id, rec, hash string
		if err := rows.Scan(&id, &rec, &hash); err != nil {
			return nil, err
		}
		c, err := decodeRow(id, rec, hash)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLAdapter) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_contracts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLAdapter) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM learning_contracts`)
	return err
}

// Close closes the underlying database handle.
func (s *SQLAdapter) Close() error {
	return s.db.Close()
}
