package smlcheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/entitlements_backend/config"
	"bitbucket.org/mmdatafocus/entitlements_backend/models"
	"bitbucket.org/mmdatafocus/entitlements_backend/validation"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const workerRunLockKey = "entitlement-validation:worker-run"

// ErrRunLockHeld signals that another instance held the run lock and the
// pass was skipped, as opposed to a pass that found an empty queue.
var ErrRunLockHeld = errors.New("another worker holds the run lock")

// ResultStore is the slice of the async validation store the worker needs.
// models.AsyncValidationStore implements it; tests use in-memory fakes.
type ResultStore interface {
	ClaimPendingValidations(ctx context.Context, limit int, workerId string, lockTTL time.Duration) ([]models.AsyncValidationResult, error)
	RecordValidationOutcome(ctx context.Context, id uint, workerId string, status string, message string, details any, snapshot any) error
	RecordTransientFailure(ctx context.Context, id uint, workerId string, maxAttempts int, errorMessage string) (bool, error)
	CountPendingValidations(ctx context.Context) (int64, error)
	CreateProcessingLog(ctx context.Context, workerId string, recordsQueued int) (*models.ProcessingLog, error)
	FinalizeProcessingLog(ctx context.Context, id uint, stats models.ProcessingStats, runErr error) error
}

// RunLocker is the run-level mutual exclusion the worker takes before a
// pass. redislock.Client satisfies it; tests use fakes.
type RunLocker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

type WorkerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	LockTTL       time.Duration
	MaxAttempts   int
	LookupTimeout time.Duration
}

// WorkerConfigFromEnv reads the tunables with their defaults:
// - VALIDATION_POLL_SECONDS (default 60)
// - VALIDATION_BATCH_SIZE (default 50)
// - VALIDATION_LOCK_TTL_SECONDS (default 300)
// - VALIDATION_MAX_ATTEMPTS (default 3)
// - SML_LOOKUP_TIMEOUT_SECONDS (default 30)
func WorkerConfigFromEnv() WorkerConfig {
	cfg := WorkerConfig{
		PollInterval:  60 * time.Second,
		BatchSize:     50,
		LockTTL:       5 * time.Minute,
		MaxAttempts:   3,
		LookupTimeout: 30 * time.Second,
	}
	if n := intFromEnv("VALIDATION_POLL_SECONDS"); n > 0 {
		cfg.PollInterval = time.Duration(n) * time.Second
	}
	if n := intFromEnv("VALIDATION_BATCH_SIZE"); n > 0 {
		cfg.BatchSize = n
	}
	if n := intFromEnv("VALIDATION_LOCK_TTL_SECONDS"); n > 0 {
		cfg.LockTTL = time.Duration(n) * time.Second
	}
	if n := intFromEnv("VALIDATION_MAX_ATTEMPTS"); n > 0 {
		cfg.MaxAttempts = n
	}
	if n := intFromEnv("SML_LOOKUP_TIMEOUT_SECONDS"); n > 0 {
		cfg.LookupTimeout = time.Duration(n) * time.Second
	}
	return cfg
}

func intFromEnv(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Worker drains the async validation queue on a fixed polling interval.
// Each pass claims a bounded batch, resolves every row through the external
// lookup and writes one ProcessingLog, even on partial failure. Row
// failures are isolated; one broken row never stops the batch.
type Worker struct {
	Store    ResultStore
	Lookup   EntitlementLookup
	Logger   *logrus.Logger
	Config   WorkerConfig
	WorkerID string

	// Now is injectable for deterministic tests.
	Now func() time.Time

	// RunLock, when set, keeps concurrent service instances from running
	// overlapping passes. Row-level claims are safe without it.
	RunLock RunLocker
}

func NewWorker(store ResultStore, lookup EntitlementLookup, logger *logrus.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		Store:    store,
		Lookup:   lookup,
		Logger:   logger,
		Config:   cfg,
		WorkerID: "validation-" + uuid.NewString()[:8],
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.Store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunLockHeld) && w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"field":     "AsyncValidationWorker",
				"worker_id": w.WorkerID,
			}).Error("validation pass failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.Config.PollInterval):
		}
	}
}

// RunOnce performs a single claim -> process -> commit pass. The manual
// "validate now" operation calls this directly.
func (w *Worker) RunOnce(ctx context.Context) (models.ProcessingStats, error) {
	var stats models.ProcessingStats

	if w.RunLock != nil {
		lock, err := w.RunLock.Obtain(ctx, workerRunLockKey, w.Config.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			if w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"field":     "AsyncValidationWorker",
					"worker_id": w.WorkerID,
				}).Info("another worker holds the run lock; skipping pass")
			}
			return stats, ErrRunLockHeld
		}
		if err != nil {
			return stats, err
		}
		defer lock.Release(ctx)
	}

	queued, err := w.Store.CountPendingValidations(ctx)
	if err != nil {
		queued = 0
	}

	logRow, err := w.Store.CreateProcessingLog(ctx, w.WorkerID, int(queued))
	if err != nil {
		return stats, err
	}

	claimed, err := w.Store.ClaimPendingValidations(ctx, w.Config.BatchSize, w.WorkerID, w.Config.LockTTL)
	if err != nil {
		_ = w.Store.FinalizeProcessingLog(ctx, logRow.ID, stats, err)
		return stats, err
	}

	for _, row := range claimed {
		stats.Processed++
		switch w.processRow(ctx, row) {
		case rowSucceeded:
			stats.Succeeded++
		case rowFailed:
			stats.Failed++
		case rowSkipped:
			stats.Skipped++
		}
	}

	if err := w.Store.FinalizeProcessingLog(ctx, logRow.ID, stats, nil); err != nil {
		return stats, err
	}
	return stats, nil
}

type rowOutcome int

const (
	rowSucceeded rowOutcome = iota
	rowFailed
	rowSkipped
)

func (w *Worker) processRow(ctx context.Context, row models.AsyncValidationResult) rowOutcome {
	switch validation.RuleID(row.RuleId) {
	case validation.RuleDeprovisionActiveEntitlements:
		return w.checkDeprovision(ctx, row)
	default:
		// Unknown rule ids must not stay PENDING forever.
		if err := w.Store.RecordValidationOutcome(ctx, row.ID, w.WorkerID, models.AsyncValidationStatusError,
			"unknown async rule "+row.RuleId, nil, nil); err != nil {
			w.logStoreError(row, "processRow", err)
			return rowFailed
		}
		w.logRow(row, models.AsyncValidationStatusError, "unknown async rule")
		return rowSkipped
	}
}

// checkDeprovision resolves the deprovision-active-entitlements rule:
// WARNING when the tenant still has entitlements ending after now,
// PASS otherwise.
func (w *Worker) checkDeprovision(ctx context.Context, row models.AsyncValidationResult) rowOutcome {
	if row.RequestType != models.RequestTypeDeprovision {
		if err := w.Store.RecordValidationOutcome(ctx, row.ID, w.WorkerID, models.AsyncValidationStatusPass,
			fmt.Sprintf("rule not applicable to request type %q", row.RequestType), nil, nil); err != nil {
			w.logStoreError(row, "checkDeprovision", err)
			return rowFailed
		}
		w.logRow(row, models.AsyncValidationStatusPass, "not applicable")
		return rowSkipped
	}

	if strings.TrimSpace(row.TenantId) == "" {
		if err := w.Store.RecordValidationOutcome(ctx, row.ID, w.WorkerID, models.AsyncValidationStatusError,
			"record carries no tenant id; cannot look up active entitlements", nil, nil); err != nil {
			w.logStoreError(row, "checkDeprovision", err)
		}
		w.logRow(row, models.AsyncValidationStatusError, "tenant id missing")
		return rowFailed
	}

	lookupCtx, cancel := context.WithTimeout(ctx, w.Config.LookupTimeout)
	entitlements, err := w.Lookup.ActiveEntitlements(lookupCtx, row.TenantId)
	cancel()
	if err != nil {
		dead, ferr := w.Store.RecordTransientFailure(ctx, row.ID, w.WorkerID, w.Config.MaxAttempts, err.Error())
		if ferr != nil {
			w.logStoreError(row, "checkDeprovision", ferr)
		}
		status := models.AsyncValidationStatusPending
		if dead {
			status = models.AsyncValidationStatusError
		}
		w.logRow(row, status, "lookup failed: "+err.Error())
		return rowFailed
	}

	now := w.Now()
	var active []TenantEntitlement
	for _, ent := range entitlements {
		if ent.EndsAfter(now) {
			active = append(active, ent)
		}
	}

	snapshot := LookupSnapshot{
		TenantId:                row.TenantId,
		ActiveEntitlementsCount: len(active),
		ActiveEntitlements:      active,
		CheckedAt:               now,
	}

	if len(active) > 0 {
		details := make([]string, 0, len(active))
		for _, ent := range active {
			label := ent.ProductCode
			if ent.PackageName != "" {
				label += " (" + ent.PackageName + ")"
			}
			details = append(details, label+" active until "+ent.EndDate)
		}
		message := fmt.Sprintf("tenant %s still has %d active entitlements", row.TenantId, len(active))
		if err := w.Store.RecordValidationOutcome(ctx, row.ID, w.WorkerID, models.AsyncValidationStatusWarning,
			message, details, snapshot); err != nil {
			w.logStoreError(row, "checkDeprovision", err)
			return rowFailed
		}
		w.logRow(row, models.AsyncValidationStatusWarning, message)
		return rowSucceeded
	}

	if err := w.Store.RecordValidationOutcome(ctx, row.ID, w.WorkerID, models.AsyncValidationStatusPass,
		fmt.Sprintf("no active entitlements for tenant %s", row.TenantId), nil, snapshot); err != nil {
		w.logStoreError(row, "checkDeprovision", err)
		return rowFailed
	}
	w.logRow(row, models.AsyncValidationStatusPass, "no active entitlements")
	return rowSucceeded
}

func (w *Worker) logStoreError(row models.AsyncValidationResult, funcName string, err error) {
	if w.Logger == nil {
		return
	}
	config.LogError(w.Logger, "smlcheck", funcName, "async validation result write",
		map[string]any{"record_id": row.RecordId, "rule_id": row.RuleId}, err)
}

func (w *Worker) logRow(row models.AsyncValidationResult, status string, message string) {
	if w.Logger == nil {
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"field":       "AsyncValidationWorker",
		"worker_id":   w.WorkerID,
		"record_id":   row.RecordId,
		"rule_id":     row.RuleId,
		"tenant_id":   row.TenantId,
		"status":      status,
		"retry_count": row.RetryCount,
	}).Info(message)
}
