package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveManifest indexes a manifest. Saving the same hash again refreshes the
// stored path and keeps the original creation time.
func (s *Store) SaveManifest(record ManifestRecord) error {
	if record.ManifestHash == "" {
		return errors.New("manifest_hash is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if record.SignerFingerprint == "" {
		return errors.New("signer_fingerprint is required")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO manifests (
			manifest_hash,
			file_name,
			file_size,
			chunk_size,
			chunk_count,
			signer_fingerprint,
			path,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(manifest_hash) DO UPDATE SET
			path = CASE WHEN excluded.path != '' THEN excluded.path ELSE manifests.path END`,
		record.ManifestHash,
		record.FileName,
		record.FileSize,
		record.ChunkSize,
		record.ChunkCount,
		record.SignerFingerprint,
		record.Path,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save manifest %q: %w", record.ManifestHash, err)
	}
	return nil
}

// GetManifest fetches one manifest record by hash.
func (s *Store) GetManifest(manifestHash string) (*ManifestRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			manifest_hash,
			file_name,
			file_size,
			chunk_size,
			chunk_count,
			signer_fingerprint,
			path,
			created_at
		FROM manifests
		WHERE manifest_hash = ?`,
		manifestHash,
	)

	record, err := scanManifest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get manifest %q: %w", manifestHash, err)
	}
	return record, nil
}

// ListManifests returns indexed manifests, newest first.
func (s *Store) ListManifests(limit int) ([]ManifestRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			manifest_hash,
			file_name,
			file_size,
			chunk_size,
			chunk_count,
			signer_fingerprint,
			path,
			created_at
		FROM manifests
		ORDER BY created_at DESC, manifest_hash
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	records := make([]ManifestRecord, 0)
	for rows.Next() {
		record, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manifest rows: %w", err)
	}
	return records, nil
}

func scanManifest(row scanner) (*ManifestRecord, error) {
	var record ManifestRecord
	if err := row.Scan(
		&record.ManifestHash,
		&record.FileName,
		&record.FileSize,
		&record.ChunkSize,
		&record.ChunkCount,
		&record.SignerFingerprint,
		&record.Path,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
