package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/entitlements_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	AsyncValidationStatusPending = "PENDING"
	AsyncValidationStatusPass    = "PASS"
	AsyncValidationStatusFail    = "FAIL"
	AsyncValidationStatusWarning = "WARNING"
	AsyncValidationStatusError   = "ERROR"
)

const (
	ProcessingLogStatusRunning   = "running"
	ProcessingLogStatusCompleted = "completed"
	ProcessingLogStatusFailed    = "failed"
)

// AsyncValidationResult is one deferred rule outcome, keyed by
// (record_id, rule_id). Created PENDING on the ingestion path and mutated
// only by the background worker afterwards.
type AsyncValidationResult struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	RecordId              string     `gorm:"uniqueIndex:idx_async_validation_record_rule,priority:1;size:64;not null" json:"record_id"`
	RuleId                string     `gorm:"uniqueIndex:idx_async_validation_record_rule,priority:2;size:64;not null" json:"rule_id"`
	RecordName            string     `gorm:"size:255" json:"record_name"`
	AccountName           string     `gorm:"size:255" json:"account_name"`
	TenantId              string     `gorm:"size:128" json:"tenant_id"`
	TenantName            string     `gorm:"size:255" json:"tenant_name"`
	RequestType           string     `gorm:"size:32" json:"request_type"`
	RuleName              string     `gorm:"size:255" json:"rule_name"`
	Status                string     `gorm:"index;size:20;not null" json:"status"`
	Message               string     `gorm:"type:text" json:"message"`
	DetailsJSON           []byte     `gorm:"type:json" json:"details"`
	ExternalSnapshotJSON  []byte     `gorm:"type:json" json:"external_snapshot"`
	SourceFingerprint     string     `gorm:"size:64" json:"source_fingerprint"`
	RetryCount            int        `gorm:"default:0" json:"retry_count"`
	ErrorMessage          *string    `gorm:"type:text" json:"error_message"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at"`
	LockedBy              *string    `gorm:"size:64" json:"locked_by"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Terminal reports whether the row reached a state the worker never
// transitions out of on its own.
func (r *AsyncValidationResult) Terminal() bool {
	switch r.Status {
	case AsyncValidationStatusPass, AsyncValidationStatusFail,
		AsyncValidationStatusWarning, AsyncValidationStatusError:
		return true
	}
	return false
}

// ProcessingLog summarizes one worker run. Observability only; evaluators
// never read it.
type ProcessingLog struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	WorkerId         string     `gorm:"size:64" json:"worker_id"`
	Status           string     `gorm:"index;size:20;not null" json:"status"`
	RecordsQueued    int        `json:"records_queued"`
	RecordsProcessed int        `json:"records_processed"`
	Succeeded        int        `json:"succeeded"`
	Failed           int        `json:"failed"`
	Skipped          int        `json:"skipped"`
	ErrorMessage     *string    `gorm:"type:text" json:"error_message"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProcessingStats are the per-run counters the worker reports into the log.
type ProcessingStats struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

// AsyncValidationStore is the GORM-backed queue/result store shared by the
// ingestion path (enqueue) and the background worker (claim/outcome/retry).
type AsyncValidationStore struct {
	DB *gorm.DB
}

func NewAsyncValidationStore(db *gorm.DB) *AsyncValidationStore {
	return &AsyncValidationStore{DB: db}
}

// EnqueueAsyncValidation creates or resets the PENDING row for
// (record.ID, ruleId). Idempotent: an existing row with the same source
// fingerprint is returned untouched whatever its status, so unchanged
// records are never re-validated and duplicate PENDING rows cannot appear.
// A changed fingerprint resets the row to PENDING with retry count
// preserved; the fresh evaluation wins by timestamp.
func (s *AsyncValidationStore) EnqueueAsyncValidation(ctx context.Context, record *EntitlementRecord, ruleId string, ruleName string) (*AsyncValidationResult, error) {
	if record == nil || record.ID == "" {
		return nil, errors.New("entitlement record id is empty")
	}

	var existing AsyncValidationResult
	err := s.DB.WithContext(ctx).
		Where("record_id = ? AND rule_id = ?", record.ID, ruleId).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fingerprint := record.Fingerprint()

	if err == nil {
		if existing.SourceFingerprint == fingerprint {
			return &existing, nil
		}
		updates := map[string]interface{}{
			"status":                  AsyncValidationStatusPending,
			"message":                 "",
			"details_json":            nil,
			"external_snapshot_json":  nil,
			"source_fingerprint":      fingerprint,
			"error_message":           nil,
			"processing_started_at":   nil,
			"processing_completed_at": nil,
			"locked_by":               nil,
			"record_name":             record.Name,
			"account_name":            record.AccountName,
			"tenant_id":               record.TenantId,
			"tenant_name":             record.TenantName,
			"request_type":            record.RequestType,
		}
		if uerr := s.DB.WithContext(ctx).
			Model(&AsyncValidationResult{}).
			Where("id = ?", existing.ID).
			Updates(updates).Error; uerr != nil {
			return nil, uerr
		}
		var reset AsyncValidationResult
		if qerr := s.DB.WithContext(ctx).Where("id = ?", existing.ID).Take(&reset).Error; qerr != nil {
			return nil, qerr
		}
		return &reset, nil
	}

	row := AsyncValidationResult{
		RecordId:          record.ID,
		RuleId:            ruleId,
		RecordName:        record.Name,
		AccountName:       record.AccountName,
		TenantId:          record.TenantId,
		TenantName:        record.TenantName,
		RequestType:       record.RequestType,
		RuleName:          ruleName,
		Status:            AsyncValidationStatusPending,
		SourceFingerprint: fingerprint,
	}
	if cerr := s.DB.WithContext(ctx).Create(&row).Error; cerr != nil {
		return nil, cerr
	}
	return &row, nil
}

// ClaimPendingValidations selects up to limit PENDING rows oldest-first and
// stamps processing_started_at/locked_by in the same transaction, so two
// concurrent workers cannot double-process a row. Rows whose claim is older
// than lockTTL are considered abandoned and reclaimable.
func (s *AsyncValidationStore) ClaimPendingValidations(ctx context.Context, limit int, workerId string, lockTTL time.Duration) ([]AsyncValidationResult, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTTL)

	var claimed []AsyncValidationResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ?", AsyncValidationStatusPending).
			Where("(processing_started_at IS NULL OR processing_started_at <= ?)", staleBefore).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].ProcessingStartedAt = &now
			claimed[i].LockedBy = &workerId
			if err := tx.Model(&AsyncValidationResult{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"processing_started_at": claimed[i].ProcessingStartedAt,
					"locked_by":             claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordValidationOutcome transitions a claimed row to a terminal status.
// The update is conditioned on the worker still holding the claim: an
// enqueue reset clears locked_by, so an outcome computed against the old
// record content lands as a no-op and the fresh PENDING row survives.
// Terminal ERROR rows are never overridden.
func (s *AsyncValidationStore) RecordValidationOutcome(ctx context.Context, id uint, workerId string, status string, message string, details any, snapshot any) error {
	now := time.Now().UTC()

	detailsJSON, err := marshalNullable(details)
	if err != nil {
		return err
	}
	snapshotJSON, err := marshalNullable(snapshot)
	if err != nil {
		return err
	}

	return s.DB.WithContext(ctx).
		Model(&AsyncValidationResult{}).
		Where("id = ? AND locked_by = ? AND status <> ?", id, workerId, AsyncValidationStatusError).
		Updates(map[string]interface{}{
			"status":                  status,
			"message":                 message,
			"details_json":            detailsJSON,
			"external_snapshot_json":  snapshotJSON,
			"error_message":           nil,
			"processing_completed_at": &now,
			"locked_by":               nil,
		}).Error
}

// RecordTransientFailure counts one failed attempt. The row goes back to
// PENDING for a later cycle until the attempt count exceeds maxAttempts,
// at which point it becomes terminal ERROR. Returns whether the row is now
// terminal. Like RecordValidationOutcome, the write requires the worker's
// claim to still be held; a row reset by a concurrent enqueue is left alone.
func (s *AsyncValidationStore) RecordTransientFailure(ctx context.Context, id uint, workerId string, maxAttempts int, errorMessage string) (bool, error) {
	var rec AsyncValidationResult
	err := s.DB.WithContext(ctx).
		Select("id", "retry_count", "status").
		Where("id = ? AND locked_by = ?", id, workerId).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	attempts := rec.RetryCount + 1
	status := AsyncValidationStatusPending
	updates := map[string]interface{}{
		"retry_count":           attempts,
		"error_message":         &errorMessage,
		"processing_started_at": nil,
		"locked_by":             nil,
	}
	if attempts > maxAttempts {
		status = AsyncValidationStatusError
		now := time.Now().UTC()
		updates["processing_completed_at"] = &now
	}
	updates["status"] = status

	if err := s.DB.WithContext(ctx).
		Model(&AsyncValidationResult{}).
		Where("id = ? AND locked_by = ?", id, workerId).
		Updates(updates).Error; err != nil {
		return false, err
	}
	return status == AsyncValidationStatusError, nil
}

func (s *AsyncValidationStore) CountPendingValidations(ctx context.Context) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&AsyncValidationResult{}).
		Where("status = ?", AsyncValidationStatusPending).
		Count(&count).Error
	return count, err
}

// GetRecordValidationRows returns all async rows for one record, for the
// reporting collaborator to merge with synchronous findings.
func (s *AsyncValidationStore) GetRecordValidationRows(ctx context.Context, recordId string) ([]AsyncValidationResult, error) {
	var rows []AsyncValidationResult
	err := s.DB.WithContext(ctx).
		Where("record_id = ?", recordId).
		Order("rule_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	return rows, nil
}

// ListAsyncValidationResults returns rows in one status, newest first
// (e.g. "all WARNING rows" for the dashboard).
func (s *AsyncValidationStore) ListAsyncValidationResults(ctx context.Context, status string, limit int) ([]AsyncValidationResult, error) {
	var rows []AsyncValidationResult
	q := s.DB.WithContext(ctx).Order("updated_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// CreateProcessingLog opens the run log before any row is processed.
func (s *AsyncValidationStore) CreateProcessingLog(ctx context.Context, workerId string, recordsQueued int) (*ProcessingLog, error) {
	logRow := ProcessingLog{
		WorkerId:      workerId,
		Status:        ProcessingLogStatusRunning,
		RecordsQueued: recordsQueued,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(&logRow).Error; err != nil {
		return nil, err
	}
	return &logRow, nil
}

// FinalizeProcessingLog closes the run log with the aggregate counters,
// even when the run itself failed.
func (s *AsyncValidationStore) FinalizeProcessingLog(ctx context.Context, id uint, stats ProcessingStats, runErr error) error {
	now := time.Now().UTC()
	status := ProcessingLogStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = ProcessingLogStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	return s.DB.WithContext(ctx).
		Model(&ProcessingLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            status,
			"records_processed": stats.Processed,
			"succeeded":         stats.Succeeded,
			"failed":            stats.Failed,
			"skipped":           stats.Skipped,
			"error_message":     errMsg,
			"completed_at":      &now,
		}).Error
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	jsonStr, err := utils.MarshalToJSON(v)
	if err != nil {
		return nil, err
	}
	return []byte(jsonStr), nil
}
