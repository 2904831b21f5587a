package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/entitlements_backend/config"
	"bitbucket.org/mmdatafocus/entitlements_backend/models"
)

// Exercises the queue lifecycle against real MySQL: enqueue idempotence,
// fingerprint-driven reset, claim locking and the retry ceiling.
func TestAsyncValidationQueueLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "entitlements_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	store := models.NewAsyncValidationStore(config.GetDB())

	record := &models.EntitlementRecord{
		ID:             "REC-INT-1",
		Name:           "ER-0001",
		TenantId:       "tenant-1",
		RequestType:    models.RequestTypeDeprovision,
		LastModifiedAt: time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC),
	}

	row, err := store.EnqueueAsyncValidation(ctx, record, "deprovision-active-entitlements", "Deprovision active entitlements")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if row.Status != models.AsyncValidationStatusPending {
		t.Fatalf("new row status %s", row.Status)
	}

	// Same fingerprint: no new row, existing returned untouched.
	again, err := store.EnqueueAsyncValidation(ctx, record, "deprovision-active-entitlements", "Deprovision active entitlements")
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again.ID != row.ID {
		t.Fatalf("duplicate row created: %d vs %d", again.ID, row.ID)
	}

	// Claim and complete.
	claimed, err := store.ClaimPendingValidations(ctx, 10, "worker-a", 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != row.ID {
		t.Fatalf("claimed %d rows", len(claimed))
	}

	// A second claim must not see the locked row.
	second, err := store.ClaimPendingValidations(ctx, 10, "worker-b", 5*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("locked row was reclaimed: %+v", second)
	}

	if err := store.RecordValidationOutcome(ctx, row.ID, "worker-a", models.AsyncValidationStatusWarning,
		"tenant still has active entitlements", []string{"IC-STUDIO active until 2026-03-31"}, nil); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	rows, err := store.GetRecordValidationRows(ctx, record.ID)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != models.AsyncValidationStatusWarning {
		t.Fatalf("rows after outcome: %+v", rows)
	}
	if rows[0].ProcessingCompletedAt == nil {
		t.Fatalf("completed row has no completion timestamp")
	}

	// Re-enqueue with the same fingerprint leaves the WARNING in place.
	kept, err := store.EnqueueAsyncValidation(ctx, record, "deprovision-active-entitlements", "Deprovision active entitlements")
	if err != nil {
		t.Fatalf("re-enqueue after outcome: %v", err)
	}
	if kept.Status != models.AsyncValidationStatusWarning {
		t.Fatalf("unchanged record reset a terminal row to %s", kept.Status)
	}

	// A changed record resets the row to PENDING.
	record.LastModifiedAt = record.LastModifiedAt.Add(time.Hour)
	reset, err := store.EnqueueAsyncValidation(ctx, record, "deprovision-active-entitlements", "Deprovision active entitlements")
	if err != nil {
		t.Fatalf("enqueue changed record: %v", err)
	}
	if reset.ID != row.ID {
		t.Fatalf("changed record created a second row")
	}
	if reset.Status != models.AsyncValidationStatusPending {
		t.Fatalf("changed record left status %s", reset.Status)
	}
	if reset.SourceFingerprint != record.Fingerprint() {
		t.Fatalf("fingerprint not updated: %s", reset.SourceFingerprint)
	}

	// Record changes again while a worker holds the claim: the enqueue
	// reset clears the claim, so the stale outcome must land as a no-op
	// and leave the fresh PENDING row intact.
	if _, err := store.ClaimPendingValidations(ctx, 10, "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("claim before reset: %v", err)
	}
	record.LastModifiedAt = record.LastModifiedAt.Add(time.Hour)
	record.RequestType = models.RequestTypeUpdate
	fresh, err := store.EnqueueAsyncValidation(ctx, record, "deprovision-active-entitlements", "Deprovision active entitlements")
	if err != nil {
		t.Fatalf("enqueue during claim: %v", err)
	}
	if err := store.RecordValidationOutcome(ctx, row.ID, "worker-a", models.AsyncValidationStatusWarning,
		"stale outcome from the pre-change record", nil, nil); err != nil {
		t.Fatalf("stale outcome: %v", err)
	}
	after, err := store.GetRecordValidationRows(ctx, record.ID)
	if err != nil {
		t.Fatalf("rows after stale outcome: %v", err)
	}
	if len(after) != 1 || after[0].Status != models.AsyncValidationStatusPending {
		t.Fatalf("stale outcome overrode reset row: %+v", after)
	}
	if after[0].SourceFingerprint != fresh.SourceFingerprint {
		t.Fatalf("reset row lost its fingerprint: %s", after[0].SourceFingerprint)
	}

	// Transient failures until the ceiling.
	maxAttempts := 3
	for i := 1; i <= maxAttempts; i++ {
		if _, err := store.ClaimPendingValidations(ctx, 10, "worker-a", 5*time.Minute); err != nil {
			t.Fatalf("claim attempt %d: %v", i, err)
		}
		dead, err := store.RecordTransientFailure(ctx, row.ID, "worker-a", maxAttempts, "connection refused")
		if err != nil {
			t.Fatalf("transient failure %d: %v", i, err)
		}
		if dead {
			t.Fatalf("attempt %d marked terminal before ceiling", i)
		}
	}
	if _, err := store.ClaimPendingValidations(ctx, 10, "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("claim final attempt: %v", err)
	}
	dead, err := store.RecordTransientFailure(ctx, row.ID, "worker-a", maxAttempts, "connection refused")
	if err != nil {
		t.Fatalf("final transient failure: %v", err)
	}
	if !dead {
		t.Fatalf("failure past the ceiling was not terminal")
	}

	pending, err := store.CountPendingValidations(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("%d rows still pending after terminal error", pending)
	}

	errored, err := store.ListAsyncValidationResults(ctx, models.AsyncValidationStatusError, 10)
	if err != nil {
		t.Fatalf("list errored: %v", err)
	}
	if len(errored) != 1 || errored[0].RetryCount != maxAttempts+1 {
		t.Fatalf("errored rows: %+v", errored)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("entitlements-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=entitlements_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
