package persistence

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ExtCall statuses.
const (
	ExtCallAuthorized = "authorized"
	ExtCallProcessing = "processing"
	ExtCallExecuted   = "executed"
	ExtCallDenied     = "denied"
	ExtCallFailed     = "failed"
	ExtCallTimeout    = "timeout"
)

var ErrExtCallNotFound = errors.New("ext call not found")

// ExtCall is one row of the broker's external-access audit trail. Params
// are never stored in the clear: ParamsHMAC is the keyed hash the broker
// computed over the call's parameters, and ParamsSummary is a short
// human-safe description (provider/action-specific, never raw secrets).
type ExtCall struct {
	RequestID      string
	GroupFolder    string
	Provider       string
	Action         string
	AccessLevel    int
	ParamsHMAC     string
	ParamsSummary  string
	Status         string
	DenialReason   string
	ResultSummary  string
	ResponseData   string
	TaskID         string
	ProductID      string
	IdempotencyKey string
	DurationMs     *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HashParams computes the HMAC-SHA256 of a call's canonicalized parameter
// bytes under the broker's signing key, hex-encoded for storage.
func HashParams(key []byte, params []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(params)
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateExtCallTx inserts a new ext_calls row inside the broker's
// transaction, in whatever status the authorization check landed on
// (authorized or denied).
func CreateExtCallTx(ctx context.Context, tx *sql.Tx, c ExtCall) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ext_calls (
			request_id, group_folder, provider, action, access_level, params_hmac,
			params_summary, status, denial_reason, task_id, product_id, idempotency_key,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, c.RequestID, c.GroupFolder, c.Provider, c.Action, c.AccessLevel, c.ParamsHMAC,
		c.ParamsSummary, c.Status, nullableString(c.DenialReason), nullableString(c.TaskID),
		nullableString(c.ProductID), nullableString(c.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("insert ext call: %w", err)
	}
	return nil
}

// UpdateExtCallStatusTx transitions an ext_calls row to a terminal or
// in-flight status, recording a result summary, opaque response payload,
// and execution duration where known.
func UpdateExtCallStatusTx(ctx context.Context, tx *sql.Tx, requestID, status, resultSummary, responseData string, durationMs *int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ext_calls SET status = ?, result_summary = ?, response_data = ?, duration_ms = ?, updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?;
	`, status, nullableString(resultSummary), nullableString(responseData), durationMs, requestID)
	if err != nil {
		return fmt.Errorf("update ext call status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ext call rows affected: %w", err)
	}
	if affected == 0 {
		return ErrExtCallNotFound
	}
	return nil
}

func scanExtCall(scanFn func(dest ...any) error) (ExtCall, error) {
	var c ExtCall
	var denialReason, resultSummary, responseData, taskID, productID, idempotencyKey sql.NullString
	var durationMs sql.NullInt64
	if err := scanFn(
		&c.RequestID, &c.GroupFolder, &c.Provider, &c.Action, &c.AccessLevel, &c.ParamsHMAC,
		&c.ParamsSummary, &c.Status, &denialReason, &resultSummary, &responseData, &taskID,
		&productID, &idempotencyKey, &durationMs, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return ExtCall{}, err
	}
	c.DenialReason = denialReason.String
	c.ResultSummary = resultSummary.String
	c.ResponseData = responseData.String
	c.TaskID = taskID.String
	c.ProductID = productID.String
	c.IdempotencyKey = idempotencyKey.String
	if durationMs.Valid {
		v := durationMs.Int64
		c.DurationMs = &v
	}
	return c, nil
}

const extCallColumns = `request_id, group_folder, provider, action, access_level, params_hmac, params_summary, status, denial_reason, result_summary, response_data, task_id, product_id, idempotency_key, duration_ms, created_at, updated_at`

// GetExtCall fetches a single call by request id.
func (s *Store) GetExtCall(ctx context.Context, requestID string) (ExtCall, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+extCallColumns+` FROM ext_calls WHERE request_id = ?;`, requestID)
	c, err := scanExtCall(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ExtCall{}, ErrExtCallNotFound
	}
	if err != nil {
		return ExtCall{}, fmt.Errorf("scan ext call: %w", err)
	}
	return c, nil
}

// FindExtCallByIdempotencyKey looks up a prior call with the same
// idempotency key, provider, and action — the broker consults this before
// authorizing a retry so a flaky client never double-executes a write.
func (s *Store) FindExtCallByIdempotencyKey(ctx context.Context, provider, action, idempotencyKey string) (ExtCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+extCallColumns+` FROM ext_calls
		WHERE provider = ? AND action = ? AND idempotency_key = ?
		ORDER BY created_at DESC LIMIT 1;
	`, provider, action, idempotencyKey)
	c, err := scanExtCall(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ExtCall{}, ErrExtCallNotFound
	}
	if err != nil {
		return ExtCall{}, fmt.Errorf("scan ext call: %w", err)
	}
	return c, nil
}

// CountPendingExtCalls reports how many calls for a group are currently
// authorized or processing — the broker's backpressure check caps this per
// group so one runaway group can't starve the single writer.
func (s *Store) CountPendingExtCalls(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM ext_calls WHERE group_folder = ? AND status IN ('authorized', 'processing');
	`, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending ext calls: %w", err)
	}
	return n, nil
}

// SweepStaleExtCalls marks authorized-but-never-started calls older than
// olderThan as timed out. Rows already in processing are left alone: a
// call that is actually running must time out through its own execution
// path, not be reaped out from under it.
func (s *Store) SweepStaleExtCalls(ctx context.Context, olderThan time.Duration) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE ext_calls SET status = 'timeout', updated_at = CURRENT_TIMESTAMP
			WHERE status = 'authorized' AND created_at < datetime('now', ?);
		`, fmt.Sprintf("-%d seconds", int64(olderThan/time.Second)))
		if err != nil {
			return fmt.Errorf("sweep stale ext calls: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
