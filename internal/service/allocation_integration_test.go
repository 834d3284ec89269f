//go:build integration

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/bansos-api/internal/models"
	"github.com/noah-isme/bansos-api/internal/repository"
	appErrors "github.com/noah-isme/bansos-api/pkg/errors"
	"github.com/noah-isme/bansos-api/pkg/testutil/containers"
)

type postgresStack struct {
	pg        *containers.PostgresContainer
	programs  *ProgramService
	allocator *AllocationService
	metrics   *MetricsService
}

func newPostgresStack(t *testing.T, notifier recipientNotifier) *postgresStack {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	metrics := NewMetricsService()
	store := repository.NewAllocationStore(pg.DB, repository.AllocationStoreConfig{
		MaxAttempts:  10,
		RetryBackoff: 5 * time.Millisecond,
		LockTimeout:  2 * time.Second,
		OnRetry: func(scope string, attempt int, err error) {
			metrics.RecordTxRetry(scope)
		},
	})
	programRepo := repository.NewProgramRepository(pg.DB)
	recipientRepo := repository.NewRecipientRepository(pg.DB)
	stack := &postgresStack{
		pg:       pg,
		programs: NewProgramService(programRepo, store, nil, zap.NewNop(), ProgramServiceConfig{PageSize: 3}),
		metrics:  metrics,
	}
	stack.allocator = NewAllocationService(store, recipientRepo, programRepo, notifier, metrics, nil, zap.NewNop(), AllocationServiceConfig{PageSize: 3})
	return stack
}

func (s *postgresStack) createProgram(t *testing.T, quota *int, start, end time.Time) *models.Program {
	t.Helper()
	program, err := s.programs.Create(context.Background(), CreateProgramRequest{
		Name:          "Bantuan Sosial Tunai",
		Category:      "cash-transfer",
		ValidityStart: start,
		ValidityEnd:   end,
		Quota:         quota,
		BenefitValue:  decimal.NewFromInt(300000),
	}, admin)
	require.NoError(t, err)
	return program
}

func TestIntegrationEnrollRaceHonoursQuota(t *testing.T) {
	stack := newPostgresStack(t, nil)
	now := time.Now().UTC()
	program := stack.createProgram(t, quota(10), now.Add(-time.Hour), now.Add(24*time.Hour))

	ctx := context.Background()
	const racers = 60
	results := make([]error, racers)
	var g errgroup.Group
	g.SetLimit(20)
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			_, results[i] = stack.allocator.Enroll(ctx, EnrollRequest{ProgramID: program.ID, IndividualID: fmt.Sprintf("NIK-%04d", i)}, officer)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, appErrors.ErrQuotaExceeded)
	}
	assert.Equal(t, 10, succeeded)

	capacity, err := stack.programs.RemainingCapacity(ctx, program.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, capacity.Used)
	assert.Equal(t, 0, *capacity.Remaining)

	seen := 0
	for detail, err := range stack.allocator.FindByProgram(ctx, program.ID) {
		require.NoError(t, err)
		assert.Equal(t, "Bantuan Sosial Tunai", detail.ProgramName)
		seen++
	}
	assert.Equal(t, 10, seen)
}

func TestIntegrationDuplicateRaceHitsUniqueIndex(t *testing.T) {
	stack := newPostgresStack(t, nil)
	now := time.Now().UTC()
	program := stack.createProgram(t, nil, now.Add(-time.Hour), now.Add(time.Hour))

	ctx := context.Background()
	results := make([]error, 8)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			_, results[i] = stack.allocator.Enroll(ctx, EnrollRequest{ProgramID: program.ID, IndividualID: "NIK-0001"}, officer)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, appErrors.ErrDuplicateEnrollment)
	}
	assert.Equal(t, 1, succeeded)
}

func TestIntegrationLifecycle(t *testing.T) {
	redis := containers.NewRedisContainer(t)
	channel := "bansos:test:events"
	sub := redis.Client.Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	notifications := NewNotificationService(repository.NewNotificationPublisher(redis.Client, channel), nil, zap.NewNop(), NotificationConfig{})
	notifications.Start(context.Background())
	t.Cleanup(notifications.Stop)

	stack := newPostgresStack(t, notifications)
	now := time.Now().UTC()
	program := stack.createProgram(t, quota(1), now.Add(-time.Hour), now.Add(time.Hour))
	ctx := context.Background()

	first, err := stack.allocator.Enroll(ctx, EnrollRequest{ProgramID: program.ID, IndividualID: "NIK-1"}, officer)
	require.NoError(t, err)
	_, err = stack.allocator.Enroll(ctx, EnrollRequest{ProgramID: program.ID, IndividualID: "NIK-2"}, officer)
	require.ErrorIs(t, err, appErrors.ErrQuotaExceeded)

	_, err = stack.allocator.Reject(ctx, first.ID, RejectRequest{Remark: "data mismatch"}, officer)
	require.NoError(t, err)

	second, err := stack.allocator.Enroll(ctx, EnrollRequest{ProgramID: program.ID, IndividualID: "NIK-1"}, officer)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	distributed, err := stack.allocator.Distribute(ctx, second.ID, DistributeRequest{ProofReference: "BAST-77"}, officer)
	require.NoError(t, err)
	assert.True(t, distributed.BenefitAmount.Decimal.Equal(decimal.NewFromInt(300000)))

	_, err = stack.allocator.Distribute(ctx, second.ID, DistributeRequest{ProofReference: "BAST-78"}, officer)
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	stored, err := stack.allocator.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "BAST-77", *stored.DistributionProof)

	types := map[models.RecipientEventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Channel():
			var event models.RecipientEvent
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
			types[event.Type] = true
		case <-time.After(5 * time.Second):
			t.Fatal("expected recipient events on the broker")
		}
	}
	assert.True(t, types[models.RecipientEventRejected])
	assert.True(t, types[models.RecipientEventDistributed])
}

func TestIntegrationExpiredProgramCompletesOnRead(t *testing.T) {
	stack := newPostgresStack(t, nil)
	now := time.Now().UTC()
	program := stack.createProgram(t, nil, now.Add(-48*time.Hour), now.Add(time.Hour))
	_, err := stack.pg.DB.Exec(`UPDATE programs SET validity_end = $1 WHERE id = $2`, now.Add(-time.Hour), program.ID)
	require.NoError(t, err)

	got, err := stack.programs.Get(context.Background(), program.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgramStatusCompleted, got.Status)

	var status string
	require.NoError(t, stack.pg.DB.Get(&status, `SELECT status FROM programs WHERE id = $1`, program.ID))
	assert.Equal(t, string(models.ProgramStatusCompleted), status)
}
