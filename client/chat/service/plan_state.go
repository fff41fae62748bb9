package service

import (
	"encoding/json"
	"errors"
	"strings"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/infra/rest"
)

const RoleMember = "MEMBER"

// softFailureMarkers are server messages for a mutation that was already a
// no-op upstream.
var softFailureMarkers = []string{"was not pinned", "was not saved"}

func PlanStateKey(userKey string) string {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		userKey = "default"
	}
	return PlanStateKeyPrefix + ":" + userKey
}

func IsSoftFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(mutationMessage(err))
	for _, marker := range softFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func mutationMessage(err error) string {
	var statusErr *rest.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	return err.Error()
}

func encodePersistedStates(states map[string]domain.PlanState) ([]byte, error) {
	out := make(map[string]domain.PersistedPlanState, len(states))
	for id, s := range states {
		if !s.IsJoined && !s.IsLiked {
			continue
		}
		out[id] = domain.PersistedPlanState{IsJoined: s.IsJoined, IsLiked: s.IsLiked}
	}
	return json.Marshal(out)
}

func decodePersistedStates(raw []byte) (map[string]domain.PersistedPlanState, error) {
	out := map[string]domain.PersistedPlanState{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func selfParticipant(p domain.Profile) domain.Participant {
	return domain.Participant{
		UserID:         domain.FlexibleID(p.ID),
		Username:       p.Username,
		DisplayName:    firstNonEmpty(p.DisplayName, p.Username),
		ProfilePicture: p.Avatar,
		Role:           RoleMember,
	}
}

func isSelfParticipant(part domain.Participant, p domain.Profile) bool {
	if p.ID != "" && string(part.UserID) == p.ID {
		return true
	}
	return p.Username != "" && part.Username == p.Username
}

func addParticipant(plan *domain.Plan, p domain.Profile) {
	for _, part := range plan.Participants {
		if isSelfParticipant(part, p) {
			return
		}
	}
	plan.Participants = append(plan.Participants, selfParticipant(p))
	plan.ParticipantCount++
}

func removeParticipant(plan *domain.Plan, p domain.Profile) {
	kept := plan.Participants[:0:0]
	for _, part := range plan.Participants {
		if !isSelfParticipant(part, p) {
			kept = append(kept, part)
		}
	}
	plan.Participants = kept
	plan.ParticipantCount = max(plan.ParticipantCount-1, len(kept))
}

func clonePlan(p domain.Plan) domain.Plan {
	p.Participants = append([]domain.Participant(nil), p.Participants...)
	return p
}

func idSet(plans []domain.Plan) map[string]struct{} {
	out := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		out[string(p.ID)] = struct{}{}
	}
	return out
}
