package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPendingStore(t *testing.T) (*PendingStore, func(d time.Duration)) {
	t.Helper()
	mgr, mr := newTestCache(t)
	cfg := testPipelineConfig("")
	return NewPendingStore(mgr, cfg.Pipeline), mr.FastForward
}

func pendingFixture() *PendingRecord {
	return &PendingRecord{
		Request:   executorRequest(),
		Decision:  mediumDecision(),
		Selection: validationSelection(),
		Plan:      twoStepPlan(),
	}
}

func TestPendingStoreRoundTrip(t *testing.T) {
	store, _ := newTestPendingStore(t)
	ctx := context.Background()

	token, err := store.Save(ctx, pendingFixture())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rec, err := store.Load(ctx, "req-exec", token)
	require.NoError(t, err)
	assert.Equal(t, "req-exec", rec.Request.RequestID)
	require.Len(t, rec.Plan.Steps, 2)
	assert.Equal(t, "service_restart", rec.Plan.Steps[1].Tool)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestPendingStoreRejectsWrongToken(t *testing.T) {
	store, _ := newTestPendingStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, pendingFixture())
	require.NoError(t, err)

	_, err = store.Load(ctx, "req-exec", "not-the-token")
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, pe.Kind)
}

func TestPendingStoreUnknownRequestLooksLikeBadToken(t *testing.T) {
	store, _ := newTestPendingStore(t)

	_, err := store.Load(context.Background(), "req-never-parked", "whatever")

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, pe.Kind, "absent record and bad token are indistinguishable")
}

func TestPendingStoreExpiresWithApprovalWindow(t *testing.T) {
	store, fastForward := newTestPendingStore(t)
	ctx := context.Background()

	token, err := store.Save(ctx, pendingFixture())
	require.NoError(t, err)

	fastForward(testPipelineConfig("").Pipeline.ApprovalWindow() + time.Second)

	_, err = store.Load(ctx, "req-exec", token)
	require.Error(t, err)
}

func TestPendingStoreDeleteConsumesRecord(t *testing.T) {
	store, _ := newTestPendingStore(t)
	ctx := context.Background()

	token, err := store.Save(ctx, pendingFixture())
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "req-exec"))

	_, err = store.Load(ctx, "req-exec", token)
	require.Error(t, err, "a consumed approval cannot be replayed")

	assert.NoError(t, store.Delete(ctx, "req-exec"), "double delete is harmless")
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("abc123", "abc123"))
	assert.False(t, tokenMatches("abc123", "abc124"))
	assert.False(t, tokenMatches("abc123", "abc12"))
	assert.False(t, tokenMatches("", ""))
}
