package imagestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PGStore keeps image records in Postgres, the generation-3 backend. Records
// are keyed "{binderID}-{imageKey}" with a secondary index on binder_id so a
// whole binder can be dropped in one indexed sweep.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the image tables and the binder_id index.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS binder_images (
			key TEXT PRIMARY KEY,
			binder_id TEXT NOT NULL,
			image_key TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS binder_images_binder_id_idx ON binder_images(binder_id)`,
		`CREATE TABLE IF NOT EXISTS binder_default_back_images (
			binder_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure image schema: %w", err)
		}
	}
	return nil
}

func recordKey(binderID, imageKey string) string {
	if binderID == "" {
		binderID = "default"
	}
	return binderID + "-" + imageKey
}

func binderColumn(binderID string) string {
	if binderID == "" {
		return "default"
	}
	return binderID
}

func (s *PGStore) Save(ctx context.Context, binderID, imageKey, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binder_images (key, binder_id, image_key, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET data=EXCLUDED.data, created_at=NOW()
	`, recordKey(binderID, imageKey), binderColumn(binderID), imageKey, data)
	if err != nil {
		return fmt.Errorf("save image %s: %w", imageKey, err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context, binderID, imageKey string) (string, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM binder_images WHERE key=$1`,
		recordKey(binderID, imageKey)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load image %s: %w", imageKey, err)
	}
	return data, nil
}

func (s *PGStore) Remove(ctx context.Context, binderID, imageKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM binder_images WHERE key=$1`, recordKey(binderID, imageKey))
	if err != nil {
		return fmt.Errorf("remove image %s: %w", imageKey, err)
	}
	return nil
}

func (s *PGStore) RemoveAllForBinder(ctx context.Context, binderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM binder_images WHERE binder_id=$1`, binderColumn(binderID))
	if err != nil {
		return fmt.Errorf("remove binder images: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM binder_default_back_images WHERE binder_id=$1`, binderColumn(binderID)); err != nil {
		return fmt.Errorf("remove binder default back image: %w", err)
	}
	return nil
}

func (s *PGStore) SaveDefaultBack(ctx context.Context, binderID, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binder_default_back_images (binder_id, data)
		VALUES ($1, $2)
		ON CONFLICT (binder_id) DO UPDATE SET data=EXCLUDED.data, updated_at=NOW()
	`, binderColumn(binderID), data)
	if err != nil {
		return fmt.Errorf("save default back image: %w", err)
	}
	return nil
}

func (s *PGStore) LoadDefaultBack(ctx context.Context, binderID string) (string, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM binder_default_back_images WHERE binder_id=$1`,
		binderColumn(binderID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load default back image: %w", err)
	}
	return data, nil
}

func (s *PGStore) RemoveDefaultBack(ctx context.Context, binderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM binder_default_back_images WHERE binder_id=$1`, binderColumn(binderID))
	if err != nil {
		return fmt.Errorf("remove default back image: %w", err)
	}
	return nil
}

func (s *PGStore) CountAll(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM binder_images`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}
