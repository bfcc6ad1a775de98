package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const transferColumns = `
	transfer_id,
	direction,
	peer_device_id,
	file_name,
	file_size,
	manifest_hash,
	chunk_count,
	status,
	started_at,
	chunks_transferred,
	chunks_skipped,
	bytes_transferred,
	stored_path,
	failure_reason,
	finished_at`

// SaveTransfer inserts a new transfer row.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_device_id,
			file_name,
			file_size,
			manifest_hash,
			chunk_count,
			status,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerDeviceID,
		transfer.FileName,
		transfer.FileSize,
		transfer.ManifestHash,
		transfer.ChunkCount,
		transfer.Status,
		transfer.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus moves a transfer to status.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?
		WHERE transfer_id = ?`,
		status,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	return expectOneRow(res, "transfer status", transferID)
}

// FinishTransfer records the final status and counters of a transfer.
func (s *Store) FinishTransfer(outcome TransferOutcome) error {
	if outcome.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(outcome.Status); err != nil {
		return err
	}
	if outcome.FinishedAt == 0 {
		outcome.FinishedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
		    chunks_transferred = ?,
		    chunks_skipped = ?,
		    bytes_transferred = ?,
		    stored_path = ?,
		    failure_reason = ?,
		    finished_at = ?
		WHERE transfer_id = ?`,
		outcome.Status,
		outcome.ChunksTransferred,
		outcome.ChunksSkipped,
		outcome.BytesTransferred,
		outcome.StoredPath,
		outcome.FailureReason,
		outcome.FinishedAt,
		outcome.TransferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", outcome.TransferID, err)
	}
	return expectOneRow(res, "finish transfer", outcome.TransferID)
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns transfers newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]TransferRecord, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.Direction != "" {
		if err := validateTransferDirection(filter.Direction); err != nil {
			return nil, err
		}
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.PeerDeviceID != "" {
		where = append(where, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, transfer_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record     TransferRecord
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerDeviceID,
		&record.FileName,
		&record.FileSize,
		&record.ManifestHash,
		&record.ChunkCount,
		&record.Status,
		&record.StartedAt,
		&record.ChunksTransferred,
		&record.ChunksSkipped,
		&record.BytesTransferred,
		&record.StoredPath,
		&record.FailureReason,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	record.FinishedAt = int64Ptr(finishedAt)
	return &record, nil
}

func expectOneRow(res sql.Result, what, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", what, id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
