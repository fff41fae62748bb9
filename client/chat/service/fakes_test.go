package service

import (
	"context"
	"errors"
	"sync"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/infra/rest"
)

// fakeAPI is an in-memory stand-in for the plan service.
type fakeAPI struct {
	mu sync.Mutex

	threads    []domain.ChatThreadSummary
	threadsErr error

	notifications domain.NotificationList
	readCalls     []string
	readErr       map[string]error

	plans     []domain.Plan
	saved     []domain.Plan
	pinned    []domain.Plan
	plansErr  error
	planCalls int

	mutationErr   map[string]error
	mutationCalls []string
	peopleJoined  *int
	block         chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{readErr: map[string]error{}, mutationErr: map[string]error{}}
}

func (f *fakeAPI) ChatThreads(ctx context.Context) ([]domain.ChatThreadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	return append([]domain.ChatThreadSummary(nil), f.threads...), nil
}

func (f *fakeAPI) Notifications(ctx context.Context, page, pageSize int) (domain.NotificationList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifications, nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) (domain.UnreadUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, id)
	return domain.UnreadUpdate{}, f.readErr[id]
}

func (f *fakeAPI) MarkAllNotificationsRead(ctx context.Context, topic string) (domain.UnreadUpdate, error) {
	return domain.UnreadUpdate{}, nil
}

func (f *fakeAPI) DeleteNotification(ctx context.Context, id string) (domain.UnreadUpdate, error) {
	return domain.UnreadUpdate{}, nil
}

func (f *fakeAPI) ClearNotifications(ctx context.Context, topic string) (domain.UnreadUpdate, error) {
	return domain.UnreadUpdate{}, nil
}

func (f *fakeAPI) readCallList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.readCalls...)
}

func (f *fakeAPI) mutate(name string) error {
	f.mu.Lock()
	block := f.block
	f.mutationCalls = append(f.mutationCalls, name)
	err := f.mutationErr[name]
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeAPI) JoinPlan(ctx context.Context, planID string) (domain.JoinResponse, error) {
	err := f.mutate("join:" + planID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.JoinResponse{PeopleJoined: f.peopleJoined}, err
}

func (f *fakeAPI) LeavePlan(ctx context.Context, planID string) (domain.JoinResponse, error) {
	err := f.mutate("leave:" + planID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.JoinResponse{PeopleJoined: f.peopleJoined}, err
}

func (f *fakeAPI) SavePlan(ctx context.Context, planID string) error {
	return f.mutate("save:" + planID)
}

func (f *fakeAPI) UnsavePlan(ctx context.Context, planID string) error {
	return f.mutate("unsave:" + planID)
}

func (f *fakeAPI) PinPlan(ctx context.Context, planID string) error {
	return f.mutate("pin:" + planID)
}

func (f *fakeAPI) UnpinPlan(ctx context.Context, planID string) error {
	return f.mutate("unpin:" + planID)
}

func (f *fakeAPI) Plans(ctx context.Context) ([]domain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls++
	if f.plansErr != nil {
		return nil, f.plansErr
	}
	return clonePlans(f.plans), nil
}

func (f *fakeAPI) SavedPlans(ctx context.Context) ([]domain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clonePlans(f.saved), nil
}

func (f *fakeAPI) PinnedPlans(ctx context.Context) ([]domain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clonePlans(f.pinned), nil
}

func (f *fakeAPI) planCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planCalls
}

func (f *fakeAPI) mutationCallList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutationCalls...)
}

func clonePlans(in []domain.Plan) []domain.Plan {
	out := make([]domain.Plan, len(in))
	for i, p := range in {
		p.Participants = append([]domain.Participant(nil), p.Participants...)
		out[i] = p
	}
	return out
}

func statusErr(status int, message string) error {
	return &rest.StatusError{Status: status, Message: message}
}

var errOffline = errors.New("dial tcp: connection refused")

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }
