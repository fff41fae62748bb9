package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/infra/storage"
)

func newTestReconciler(t *testing.T, api *fakeAPI, store storage.Store) *Reconciler {
	t.Helper()
	loop := NewLoop()
	t.Cleanup(loop.Stop)
	return NewReconciler(loop, api, store, ReconcilerConfig{
		Profile:        domain.Profile{ID: "9", Username: "an", DisplayName: "An"},
		UserKey:        "9",
		ReloadDelay:    20 * time.Millisecond,
		ReloadCooldown: 20 * time.Millisecond,
		GuardTimeout:   150 * time.Millisecond,
	})
}

func planByID(snap domain.PlanSnapshot, id string) (domain.Plan, bool) {
	for _, p := range snap.Plans {
		if string(p.ID) == id {
			return p, true
		}
	}
	return domain.Plan{}, false
}

func TestPlanStateKey(t *testing.T) {
	assert.Equal(t, "plansync-plans-state:42", PlanStateKey("42"))
	assert.Equal(t, "plansync-plans-state:default", PlanStateKey(" "))
}

func TestIsSoftFailure(t *testing.T) {
	assert.True(t, IsSoftFailure(statusErr(400, "Plan was not pinned")))
	assert.True(t, IsSoftFailure(statusErr(400, "This plan WAS NOT SAVED by you")))
	assert.False(t, IsSoftFailure(statusErr(400, "Plan is full")))
	assert.False(t, IsSoftFailure(nil))
}

func TestEncodePersistedStatesDropsServerFlags(t *testing.T) {
	raw, err := encodePersistedStates(map[string]domain.PlanState{
		"1": {IsJoined: true, IsSaved: true, IsPinned: true},
		"2": {IsSaved: true},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":{"isJoined":true,"isLiked":false}}`, string(raw))
}

func TestReconcilerJoinAppliesOptimisticallyThenReloads(t *testing.T) {
	api := newFakeAPI()
	api.plans = []domain.Plan{{ID: "1", ParticipantCount: 1, Participants: []domain.Participant{{UserID: "3", Username: "bo"}}}}
	api.peopleJoined = intPtr(4)
	store := storage.NewMemoryStore()
	r := newTestReconciler(t, api, store)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))
	require.Equal(t, 1, api.planCallCount())

	block := make(chan struct{})
	api.mu.Lock()
	api.block = block
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.ToggleJoin(ctx, "1") }()
	require.Eventually(t, func() bool { return len(api.mutationCallList()) == 1 }, time.Second, 5*time.Millisecond)

	snap := r.Snapshot()
	assert.True(t, snap.States["1"].IsJoined)
	plan, ok := planByID(snap, "1")
	require.True(t, ok)
	assert.Equal(t, 2, plan.ParticipantCount)
	require.Len(t, plan.Participants, 2)
	assert.Equal(t, "an", plan.Participants[1].Username)
	assert.Equal(t, RoleMember, plan.Participants[1].Role)

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"join:1"}, api.mutationCallList())

	raw, err := store.Get(ctx, PlanStateKey("9"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"1":{"isJoined":true,"isLiked":false}}`, string(raw))

	require.Eventually(t, func() bool { return api.planCallCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestReconcilerMergesPeopleJoined(t *testing.T) {
	api := newFakeAPI()
	api.plans = []domain.Plan{{ID: "1", ParticipantCount: 1}}
	api.peopleJoined = intPtr(7)
	r := newTestReconciler(t, api, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))

	api.mu.Lock()
	api.plans = []domain.Plan{{ID: "1", ParticipantCount: 7}}
	api.mu.Unlock()
	require.NoError(t, r.ToggleJoin(ctx, "1"))
	plan, ok := planByID(r.Snapshot(), "1")
	require.True(t, ok)
	assert.Equal(t, 7, plan.ParticipantCount)
}

func TestReconcilerRevertsExactlyOnFailure(t *testing.T) {
	api := newFakeAPI()
	original := domain.Plan{ID: "1", ParticipantCount: 2, Participants: []domain.Participant{{UserID: "3", Username: "bo"}}}
	api.plans = []domain.Plan{original}
	api.mutationErr["join:1"] = statusErr(400, "Plan is full")
	r := newTestReconciler(t, api, storage.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))
	before := r.Snapshot()

	err := r.ToggleJoin(ctx, "1")
	require.Error(t, err)

	after := r.Snapshot()
	assert.Equal(t, before.States["1"], after.States["1"])
	plan, ok := planByID(after, "1")
	require.True(t, ok)
	assert.Equal(t, original, plan)
	require.NotNil(t, after.MutationError)
	assert.Equal(t, "Plan is full", *after.MutationError)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, api.planCallCount())

	r.ClearMutationError()
	assert.Nil(t, r.Snapshot().MutationError)
}

func TestReconcilerSoftFailureKeepsStateAndReloads(t *testing.T) {
	api := newFakeAPI()
	api.plans = []domain.Plan{{ID: "1"}}
	api.pinned = []domain.Plan{{ID: "1"}}
	r := newTestReconciler(t, api, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))
	require.True(t, r.State("1").IsPinned)

	api.mu.Lock()
	api.mutationErr["unpin:1"] = statusErr(400, "Plan was not pinned")
	api.pinned = nil
	api.mu.Unlock()

	require.NoError(t, r.TogglePin(ctx, "1"))
	assert.False(t, r.State("1").IsPinned)
	assert.Nil(t, r.Snapshot().MutationError)
	require.Eventually(t, func() bool { return api.planCallCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.State("1").IsPinned)
}

func TestReconcilerLikeIsLocal(t *testing.T) {
	api := newFakeAPI()
	store := storage.NewMemoryStore()
	r := newTestReconciler(t, api, store)
	ctx := context.Background()

	require.NoError(t, r.ToggleLike(ctx, "5"))
	assert.True(t, r.State("5").IsLiked)
	assert.Empty(t, api.mutationCallList())

	raw, err := store.Get(ctx, PlanStateKey("9"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"5":{"isJoined":false,"isLiked":true}}`, string(raw))
	assert.ErrorIs(t, r.ToggleLike(ctx, ""), ErrInvalidPlanID)
}

func TestReconcilerGuardDefersReloadAndSkipsInflight(t *testing.T) {
	api := newFakeAPI()
	api.plans = []domain.Plan{{ID: "1", ParticipantCount: 2}, {ID: "2", ParticipantCount: 5}}
	r := newTestReconciler(t, api, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))

	block := make(chan struct{})
	api.mu.Lock()
	api.plans = []domain.Plan{{ID: "1", ParticipantCount: 9}, {ID: "2", ParticipantCount: 7}}
	api.block = block
	api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.ToggleJoin(ctx, "1") }()
	require.Eventually(t, func() bool { return len(api.mutationCallList()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Reload(ctx))
	plan, _ := planByID(r.Snapshot(), "2")
	assert.Equal(t, 5, plan.ParticipantCount)

	require.Eventually(t, func() bool {
		p, _ := planByID(r.Snapshot(), "2")
		return p.ParticipantCount == 7
	}, time.Second, 5*time.Millisecond)
	plan, _ = planByID(r.Snapshot(), "1")
	assert.Equal(t, 3, plan.ParticipantCount)
	assert.True(t, r.State("1").IsJoined)

	close(block)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool {
		p, _ := planByID(r.Snapshot(), "1")
		return p.ParticipantCount == 9
	}, time.Second, 5*time.Millisecond)
}

func TestReconcilerRestoresPersistedFlags(t *testing.T) {
	api := newFakeAPI()
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Set(ctx, PlanStateKey("9"), []byte(`{"5":{"isJoined":true,"isLiked":true}}`)))

	r := newTestReconciler(t, api, store)
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, domain.PlanState{IsJoined: true, IsLiked: true}, r.State("5"))

	require.NoError(t, store.Peer().Set(ctx, PlanStateKey("9"), []byte(`{"5":{"isJoined":false,"isLiked":true}}`)))
	require.Eventually(t, func() bool { return !r.State("5").IsJoined }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.ToggleSave(ctx, "5"))
	assert.True(t, r.State("5").IsSaved)
	raw, err := store.Get(ctx, PlanStateKey("9"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "isSaved")
}

func TestReconcilerClearsFlagsDroppedByPeer(t *testing.T) {
	api := newFakeAPI()
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Set(ctx, PlanStateKey("9"), []byte(`{"5":{"isJoined":false,"isLiked":true},"6":{"isJoined":true,"isLiked":false}}`)))

	r := newTestReconciler(t, api, store)
	require.NoError(t, r.Start(ctx))
	require.True(t, r.State("5").IsLiked)
	require.True(t, r.State("6").IsJoined)

	require.NoError(t, store.Peer().Set(ctx, PlanStateKey("9"), []byte(`{"6":{"isJoined":true,"isLiked":false}}`)))
	require.Eventually(t, func() bool { return !r.State("5").IsLiked }, time.Second, 5*time.Millisecond)
	assert.True(t, r.State("6").IsJoined)

	require.NoError(t, store.Peer().Delete(ctx, PlanStateKey("9")))
	require.Eventually(t, func() bool { return !r.State("6").IsJoined }, time.Second, 5*time.Millisecond)
}
