package api

import (
	"context"
	"testing"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobScheduler_RunNow(t *testing.T) {
	a := setupTestAPI(t)
	a.createCustomer(t, "c-1")
	welcome := a.pay(t, "c-1", "tx-1", "60000").Evaluation.WelcomeGrant
	require.NotNil(t, welcome)
	_, err := a.handler.Engine.Ledger.Approve(context.Background(), loyalty.GrantID(welcome.ID), "test")
	require.NoError(t, err)

	jobs := NewJobScheduler(a.handler.Engine, JobConfig{Concurrency: 2}, nil)
	ctx := context.Background()

	require.NoError(t, jobs.RunNow(ctx, JobDeliver))
	g, err := a.store.GetGrant(ctx, loyalty.GrantID(welcome.ID))
	require.NoError(t, err)
	assert.Equal(t, loyalty.StateSent, g.State)

	require.NoError(t, jobs.RunNow(ctx, JobReevaluate))
	require.NoError(t, jobs.RunNow(ctx, JobSweep))

	assert.Error(t, jobs.RunNow(ctx, "compact"))
}

func TestJobScheduler_StartRunsImmediately(t *testing.T) {
	// GIVEN: An approved grant that has already passed its expiry
	// WHEN: The scheduler starts with an hourly sweep
	// THEN: The first sweep runs right away and expires the grant

	a := setupTestAPI(t)
	a.createCustomer(t, "c-1")
	welcome := a.pay(t, "c-1", "tx-1", "60000").Evaluation.WelcomeGrant
	require.NotNil(t, welcome)
	_, err := a.handler.Engine.Ledger.Approve(context.Background(), loyalty.GrantID(welcome.ID), "test")
	require.NoError(t, err)
	a.clock.Advance(40 * 24 * time.Hour)

	jobs := NewJobScheduler(a.handler.Engine, JobConfig{Enabled: true, SweepInterval: time.Hour}, nil)
	jobs.Start()
	defer jobs.Stop()

	assert.Eventually(t, func() bool {
		g, err := a.store.GetGrant(context.Background(), loyalty.GrantID(welcome.ID))
		return err == nil && g != nil && g.State == loyalty.StateExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobScheduler_DisabledDoesNothing(t *testing.T) {
	a := setupTestAPI(t)
	jobs := NewJobScheduler(a.handler.Engine, JobConfig{Enabled: false, SweepInterval: time.Millisecond}, nil)
	jobs.Start()
	jobs.Stop()
	assert.False(t, jobs.started)
}
