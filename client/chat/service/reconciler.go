package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/infra/storage"
	commonlog "plan_sync/client/common/log"
)

var ErrInvalidPlanID = errors.New("plan id is required")

const (
	DefaultReloadDelay    = 500 * time.Millisecond
	DefaultReloadCooldown = time.Second
	DefaultGuardTimeout   = 300 * time.Millisecond
)

type PlanAPI interface {
	JoinPlan(ctx context.Context, planID string) (domain.JoinResponse, error)
	LeavePlan(ctx context.Context, planID string) (domain.JoinResponse, error)
	SavePlan(ctx context.Context, planID string) error
	UnsavePlan(ctx context.Context, planID string) error
	PinPlan(ctx context.Context, planID string) error
	UnpinPlan(ctx context.Context, planID string) error
	Plans(ctx context.Context) ([]domain.Plan, error)
	SavedPlans(ctx context.Context) ([]domain.Plan, error)
	PinnedPlans(ctx context.Context) ([]domain.Plan, error)
}

type ReconcilerConfig struct {
	Profile        domain.Profile
	UserKey        string
	ReloadDelay    time.Duration
	ReloadCooldown time.Duration
	GuardTimeout   time.Duration
}

type mutationKind int

const (
	mutationJoin mutationKind = iota
	mutationSave
	mutationPin
)

func (k mutationKind) String() string {
	switch k {
	case mutationJoin:
		return "join"
	case mutationSave:
		return "save"
	case mutationPin:
		return "pin"
	}
	return "unknown"
}

type reloadResult struct {
	plans  []domain.Plan
	saved  map[string]struct{}
	pinned map[string]struct{}
}

type persistJob struct {
	seq  uint64
	key  string
	data []byte
}

// Reconciler applies plan mutations locally first, confirms them upstream
// and trues up with a delayed reload. Failed mutations are reverted to the
// exact pre-mutation state.
type Reconciler struct {
	loop  *Loop
	api   PlanAPI
	store storage.Store
	cfg   ReconcilerConfig
	now   func() time.Time

	ctx           context.Context
	plans         []domain.Plan
	states        map[string]domain.PlanState
	inflight      map[string]int
	mutationError *string

	guard       bool
	guardTimer  *Timer
	deferred    *reloadResult
	reloadTimer *Timer
	lastReload  time.Time

	persistSeq  uint64
	writeMu     sync.Mutex
	writtenSeq  map[string]uint64
	settledSeq  uint64
	subscribers map[int]func(domain.PlanSnapshot)
	nextSubID   int
}

func NewReconciler(loop *Loop, api PlanAPI, store storage.Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.ReloadDelay <= 0 {
		cfg.ReloadDelay = DefaultReloadDelay
	}
	if cfg.ReloadCooldown <= 0 {
		cfg.ReloadCooldown = DefaultReloadCooldown
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = DefaultGuardTimeout
	}
	return &Reconciler{
		loop:        loop,
		api:         api,
		store:       store,
		cfg:         cfg,
		now:         time.Now,
		ctx:         context.Background(),
		states:      map[string]domain.PlanState{},
		inflight:    map[string]int{},
		writtenSeq:  map[string]uint64{},
		subscribers: map[int]func(domain.PlanSnapshot){},
	}
}

func (r *Reconciler) stateKey() string {
	return PlanStateKey(r.cfg.UserKey)
}

// Start restores cached plans and persisted flags, then follows changes
// other processes make to this user's plan state.
func (r *Reconciler) Start(ctx context.Context) error {
	r.loop.Do(func() { r.ctx = ctx })
	if r.store == nil {
		return nil
	}
	if raw, err := r.store.Get(ctx, PlansCacheKey); err == nil {
		var plans []domain.Plan
		if err := json.Unmarshal(raw, &plans); err != nil {
			commonlog.Warnf("event=plans action=load_cache status=failed error=%v", err)
		} else {
			r.loop.Do(func() { r.plans = plans })
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		commonlog.Warnf("event=plans action=load_cache status=failed error=%v", err)
	}
	if err := r.loadPersisted(ctx); err != nil {
		commonlog.Warnf("event=plan_state action=load status=failed key=%s error=%v", r.stateKey(), err)
	}

	changes, err := r.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch storage: %w", err)
	}
	key := r.stateKey()
	go func() {
		for change := range changes {
			if change.Key != key {
				continue
			}
			if err := r.loadPersisted(ctx); err != nil {
				commonlog.Warnf("event=plan_state action=sync status=failed key=%s error=%v", key, err)
			}
		}
	}()
	return nil
}

// loadPersisted mirrors the stored joined/liked flags into local state. An
// id missing from the blob has both flags cleared. The blob is ignored while
// a local write is still pending; that write replaces it.
func (r *Reconciler) loadPersisted(ctx context.Context) error {
	r.writeMu.Lock()
	settled := r.settledSeq
	r.writeMu.Unlock()

	persisted := map[string]domain.PersistedPlanState{}
	raw, err := r.store.Get(ctx, r.stateKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		if persisted, err = decodePersistedStates(raw); err != nil {
			return err
		}
	}
	stale := false
	r.loop.Do(func() {
		if r.persistSeq > settled {
			stale = true
			return
		}
		changed := false
		for id, s := range r.states {
			if r.inflight[id] > 0 {
				continue
			}
			p := persisted[id]
			if s.IsJoined != p.IsJoined || s.IsLiked != p.IsLiked {
				s.IsJoined = p.IsJoined
				s.IsLiked = p.IsLiked
				r.states[id] = s
				changed = true
			}
		}
		for id, p := range persisted {
			if _, known := r.states[id]; known || r.inflight[id] > 0 {
				continue
			}
			r.states[id] = domain.PlanState{IsJoined: p.IsJoined, IsLiked: p.IsLiked}
			changed = true
		}
		if changed {
			r.publish()
		}
	})
	if stale {
		commonlog.Debugf("event=plan_state action=load status=skipped reason=pending_write")
		return nil
	}
	commonlog.Debugf("event=plan_state action=load status=ok entries=%d", len(persisted))
	return nil
}

func (r *Reconciler) Subscribe(fn func(domain.PlanSnapshot)) func() {
	var id int
	r.loop.Do(func() {
		r.nextSubID++
		id = r.nextSubID
		r.subscribers[id] = fn
	})
	return func() {
		r.loop.Post(func() { delete(r.subscribers, id) })
	}
}

func (r *Reconciler) Snapshot() domain.PlanSnapshot {
	var snap domain.PlanSnapshot
	r.loop.Do(func() { snap = r.snapshot() })
	return snap
}

func (r *Reconciler) State(planID string) domain.PlanState {
	var s domain.PlanState
	r.loop.Do(func() { s = r.states[strings.TrimSpace(planID)] })
	return s
}

func (r *Reconciler) ClearMutationError() {
	r.loop.Post(func() {
		r.mutationError = nil
		r.publish()
	})
}

// ToggleLike is local only; the flag is persisted but never sent upstream.
func (r *Reconciler) ToggleLike(ctx context.Context, planID string) error {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return ErrInvalidPlanID
	}
	var job persistJob
	r.loop.Do(func() {
		s := r.states[planID]
		s.IsLiked = !s.IsLiked
		r.states[planID] = s
		job = r.stateJob()
		r.publish()
	})
	r.write(ctx, job)
	return nil
}

func (r *Reconciler) ToggleJoin(ctx context.Context, planID string) error {
	return r.toggle(ctx, planID, mutationJoin)
}

func (r *Reconciler) ToggleSave(ctx context.Context, planID string) error {
	return r.toggle(ctx, planID, mutationSave)
}

func (r *Reconciler) TogglePin(ctx context.Context, planID string) error {
	return r.toggle(ctx, planID, mutationPin)
}

func (r *Reconciler) toggle(ctx context.Context, planID string, kind mutationKind) error {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return ErrInvalidPlanID
	}

	var (
		prevState domain.PlanState
		prevPlan  domain.Plan
		hadPlan   bool
		target    bool
		job       persistJob
	)
	r.loop.Do(func() {
		prevState = r.states[planID]
		next := prevState
		switch kind {
		case mutationJoin:
			next.IsJoined = !prevState.IsJoined
			target = next.IsJoined
		case mutationSave:
			next.IsSaved = !prevState.IsSaved
			target = next.IsSaved
		case mutationPin:
			next.IsPinned = !prevState.IsPinned
			target = next.IsPinned
		}
		r.states[planID] = next
		if i := r.planIndex(planID); i >= 0 {
			hadPlan = true
			prevPlan = clonePlan(r.plans[i])
			if kind == mutationJoin {
				if target {
					addParticipant(&r.plans[i], r.cfg.Profile)
				} else {
					removeParticipant(&r.plans[i], r.cfg.Profile)
				}
			}
		}
		r.inflight[planID]++
		r.mutationError = nil
		r.raiseGuard()
		job = r.stateJob()
		r.publish()
	})
	r.write(ctx, job)
	commonlog.Infof("event=plan_mutation action=%s status=pending plan_id=%s target=%t", kind, planID, target)

	joined, err := r.dispatch(ctx, planID, kind, target)

	soft := IsSoftFailure(err)
	r.loop.Do(func() {
		r.inflight[planID]--
		if r.inflight[planID] <= 0 {
			delete(r.inflight, planID)
		}
		switch {
		case err == nil || soft:
			if joined.PeopleJoined != nil {
				if i := r.planIndex(planID); i >= 0 {
					r.plans[i].ParticipantCount = *joined.PeopleJoined
					if r.plans[i].ParticipantCount == 0 {
						r.plans[i].ParticipantCount = len(r.plans[i].Participants)
					}
				}
			}
			r.scheduleReload()
		default:
			s := r.states[planID]
			switch kind {
			case mutationJoin:
				s.IsJoined = prevState.IsJoined
			case mutationSave:
				s.IsSaved = prevState.IsSaved
			case mutationPin:
				s.IsPinned = prevState.IsPinned
			}
			r.states[planID] = s
			if hadPlan {
				if i := r.planIndex(planID); i >= 0 {
					r.plans[i] = prevPlan
				}
			}
			msg := mutationMessage(err)
			r.mutationError = &msg
			job = r.stateJob()
		}
		r.publish()
	})

	switch {
	case err == nil:
		commonlog.Infof("event=plan_mutation action=%s status=ok plan_id=%s target=%t", kind, planID, target)
		return nil
	case soft:
		commonlog.Infof("event=plan_mutation action=%s status=soft_failure plan_id=%s message=%q", kind, planID, mutationMessage(err))
		return nil
	default:
		commonlog.Warnf("event=plan_mutation action=%s status=reverted plan_id=%s error=%v", kind, planID, err)
		r.write(ctx, job)
		return err
	}
}

func (r *Reconciler) dispatch(ctx context.Context, planID string, kind mutationKind, target bool) (domain.JoinResponse, error) {
	switch kind {
	case mutationJoin:
		if target {
			return r.api.JoinPlan(ctx, planID)
		}
		return r.api.LeavePlan(ctx, planID)
	case mutationSave:
		if target {
			return domain.JoinResponse{}, r.api.SavePlan(ctx, planID)
		}
		return domain.JoinResponse{}, r.api.UnsavePlan(ctx, planID)
	case mutationPin:
		if target {
			return domain.JoinResponse{}, r.api.PinPlan(ctx, planID)
		}
		return domain.JoinResponse{}, r.api.UnpinPlan(ctx, planID)
	}
	return domain.JoinResponse{}, fmt.Errorf("unknown mutation %d", kind)
}

// Reload fetches plans with saved and pinned ids and applies them, unless a
// toggle guard is up, in which case the result waits for the guard to drop.
func (r *Reconciler) Reload(ctx context.Context) error {
	r.loop.Do(func() { r.lastReload = r.now() })
	plans, err := r.api.Plans(ctx)
	if err != nil {
		commonlog.Warnf("event=plans action=reload status=failed error=%v", err)
		return err
	}
	result := &reloadResult{plans: plans}
	if saved, err := r.api.SavedPlans(ctx); err != nil {
		commonlog.Warnf("event=plans action=reload_saved status=failed error=%v", err)
	} else {
		result.saved = idSet(saved)
	}
	if pinned, err := r.api.PinnedPlans(ctx); err != nil {
		commonlog.Warnf("event=plans action=reload_pinned status=failed error=%v", err)
	} else {
		result.pinned = idSet(pinned)
	}

	var (
		job     persistJob
		cache   []byte
		applied bool
	)
	r.loop.Do(func() {
		if r.guard {
			r.deferred = result
			return
		}
		r.applyReload(result)
		applied = true
		job = r.stateJob()
		cache, _ = json.Marshal(r.plans)
	})
	if !applied {
		commonlog.Debugf("event=plans action=reload status=deferred plans=%d", len(plans))
		return nil
	}
	commonlog.Infof("event=plans action=reload status=ok plans=%d", len(plans))
	r.write(ctx, job)
	if r.store != nil && cache != nil {
		if err := r.store.Set(ctx, PlansCacheKey, cache); err != nil {
			commonlog.Warnf("event=plans action=persist_cache status=failed error=%v", err)
		}
	}
	return nil
}

// applyReload replaces server-owned data. Plans with a mutation in flight
// keep their local plan and flags.
func (r *Reconciler) applyReload(result *reloadResult) {
	r.deferred = nil
	local := make(map[string]domain.Plan, len(r.plans))
	for _, p := range r.plans {
		local[string(p.ID)] = p
	}
	next := make([]domain.Plan, 0, len(result.plans))
	for _, p := range result.plans {
		id := string(p.ID)
		if r.inflight[id] > 0 {
			if lp, ok := local[id]; ok {
				next = append(next, lp)
				continue
			}
		}
		next = append(next, p)
		if r.inflight[id] > 0 {
			continue
		}
		s := r.states[id]
		if p.Joined != nil {
			s.IsJoined = *p.Joined
		} else if isMember(p, r.cfg.Profile) {
			s.IsJoined = true
		}
		if result.saved != nil {
			_, s.IsSaved = result.saved[id]
		}
		if result.pinned != nil {
			_, s.IsPinned = result.pinned[id]
		}
		r.states[id] = s
	}
	r.plans = next
	r.publish()
}

func isMember(p domain.Plan, profile domain.Profile) bool {
	for _, part := range p.Participants {
		if isSelfParticipant(part, profile) {
			return true
		}
	}
	return false
}

// raiseGuard holds reload results back while a toggle settles. The guard
// drops on timeout or on the next scheduled reload tick.
func (r *Reconciler) raiseGuard() {
	r.guard = true
	r.guardTimer.Stop()
	r.guardTimer = r.loop.AfterFunc(r.cfg.GuardTimeout, r.dropGuard)
}

func (r *Reconciler) dropGuard() {
	r.guardTimer.Stop()
	r.guardTimer = nil
	r.guard = false
	if r.deferred == nil {
		return
	}
	r.applyReload(r.deferred)
	job := r.stateJob()
	ctx := r.ctx
	go r.write(ctx, job)
}

// scheduleReload debounces reloads and keeps them at least ReloadCooldown
// apart.
func (r *Reconciler) scheduleReload() {
	delay := r.cfg.ReloadDelay
	if wait := r.cfg.ReloadCooldown - r.now().Sub(r.lastReload); wait > delay {
		delay = wait
	}
	r.reloadTimer.Stop()
	r.reloadTimer = r.loop.AfterFunc(delay, func() {
		r.reloadTimer = nil
		r.dropGuard()
		ctx := r.ctx
		go func() {
			if err := r.Reload(ctx); err != nil {
				commonlog.Warnf("event=plans action=scheduled_reload status=failed error=%v", err)
			}
		}()
	})
	commonlog.Debugf("event=plans action=schedule_reload status=ok delay=%s", delay)
}

func (r *Reconciler) planIndex(planID string) int {
	for i, p := range r.plans {
		if string(p.ID) == planID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) stateJob() persistJob {
	if r.store == nil {
		return persistJob{}
	}
	data, err := encodePersistedStates(r.states)
	if err != nil {
		commonlog.Errorf("event=plan_state action=encode status=failed error=%v", err)
		return persistJob{}
	}
	r.persistSeq++
	return persistJob{seq: r.persistSeq, key: r.stateKey(), data: data}
}

// write stores job unless a newer job for the same key already landed.
func (r *Reconciler) write(ctx context.Context, job persistJob) {
	if r.store == nil || job.key == "" {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.settledSeq = max(r.settledSeq, job.seq)
	if job.seq <= r.writtenSeq[job.key] {
		return
	}
	if err := r.store.Set(ctx, job.key, job.data); err != nil {
		commonlog.Warnf("event=plan_state action=persist status=failed key=%s error=%v", job.key, err)
		return
	}
	r.writtenSeq[job.key] = job.seq
}

func (r *Reconciler) snapshot() domain.PlanSnapshot {
	snap := domain.PlanSnapshot{
		Plans:  make([]domain.Plan, 0, len(r.plans)),
		States: make(map[string]domain.PlanState, len(r.states)),
	}
	for _, p := range r.plans {
		snap.Plans = append(snap.Plans, clonePlan(p))
	}
	for id, s := range r.states {
		snap.States[id] = s
	}
	if r.mutationError != nil {
		msg := *r.mutationError
		snap.MutationError = &msg
	}
	return snap
}

func (r *Reconciler) publish() {
	if len(r.subscribers) == 0 {
		return
	}
	snap := r.snapshot()
	for _, fn := range r.subscribers {
		fn(snap)
	}
}
