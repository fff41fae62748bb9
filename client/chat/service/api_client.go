package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"plan_sync/client/chat/domain"
	"plan_sync/client/common/infra/rest"
)

// APIClient wraps the plan and notification REST endpoints.
type APIClient struct {
	client *rest.Client
}

func NewAPIClient(client *rest.Client) *APIClient {
	return &APIClient{client: client}
}

func (c *APIClient) ChatThreads(ctx context.Context) ([]domain.ChatThreadSummary, error) {
	var raw json.RawMessage
	if err := c.client.Get(ctx, "/chat/threads/", nil, &raw); err != nil {
		return nil, err
	}
	var threads []domain.ChatThreadSummary
	if err := decodeList(raw, &threads, "threads"); err != nil {
		return nil, fmt.Errorf("decode chat threads: %w", err)
	}
	return threads, nil
}

func (c *APIClient) Notifications(ctx context.Context, page, pageSize int) (domain.NotificationList, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(pageSize))
	var out domain.NotificationList
	if err := c.client.Get(ctx, "/notifications/", query, &out); err != nil {
		return domain.NotificationList{}, err
	}
	return out, nil
}

func (c *APIClient) MarkNotificationRead(ctx context.Context, id string) (domain.UnreadUpdate, error) {
	var out domain.UnreadUpdate
	err := c.client.Patch(ctx, "/notifications/"+url.PathEscape(id)+"/read/", map[string]any{}, &out)
	return out, err
}

func (c *APIClient) MarkAllNotificationsRead(ctx context.Context, topic string) (domain.UnreadUpdate, error) {
	var out domain.UnreadUpdate
	err := c.client.Post(ctx, "/notifications/mark-all-read/", topicPayload(topic), &out)
	return out, err
}

func (c *APIClient) DeleteNotification(ctx context.Context, id string) (domain.UnreadUpdate, error) {
	var out domain.UnreadUpdate
	err := c.client.Delete(ctx, "/notifications/"+url.PathEscape(id)+"/", &out)
	return out, err
}

func (c *APIClient) ClearNotifications(ctx context.Context, topic string) (domain.UnreadUpdate, error) {
	var out domain.UnreadUpdate
	err := c.client.Post(ctx, "/notifications/clear/", topicPayload(topic), &out)
	return out, err
}

func (c *APIClient) JoinPlan(ctx context.Context, planID string) (domain.JoinResponse, error) {
	var out domain.JoinResponse
	err := c.client.Post(ctx, planPath(planID, "join"), map[string]any{}, &out)
	return out, err
}

func (c *APIClient) LeavePlan(ctx context.Context, planID string) (domain.JoinResponse, error) {
	var out domain.JoinResponse
	err := c.client.Delete(ctx, planPath(planID, "join"), &out)
	return out, err
}

func (c *APIClient) SavePlan(ctx context.Context, planID string) error {
	return c.client.Post(ctx, planPath(planID, "save"), map[string]any{}, nil)
}

func (c *APIClient) UnsavePlan(ctx context.Context, planID string) error {
	return c.client.Delete(ctx, planPath(planID, "save"), nil)
}

func (c *APIClient) PinPlan(ctx context.Context, planID string) error {
	return c.client.Post(ctx, planPath(planID, "pin"), map[string]any{}, nil)
}

func (c *APIClient) UnpinPlan(ctx context.Context, planID string) error {
	return c.client.Delete(ctx, planPath(planID, "pin"), nil)
}

func (c *APIClient) Plans(ctx context.Context) ([]domain.Plan, error) {
	return c.planList(ctx, "/homepage/list/")
}

func (c *APIClient) SavedPlans(ctx context.Context) ([]domain.Plan, error) {
	return c.planList(ctx, "/plans/saved/")
}

func (c *APIClient) PinnedPlans(ctx context.Context) ([]domain.Plan, error) {
	return c.planList(ctx, "/plans/pinned/")
}

func (c *APIClient) planList(ctx context.Context, path string) ([]domain.Plan, error) {
	var raw json.RawMessage
	if err := c.client.Get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	var plans []domain.Plan
	if err := decodeList(raw, &plans, "plans"); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return plans, nil
}

func planPath(planID, action string) string {
	return "/plans/" + url.PathEscape(strings.TrimSpace(planID)) + "/" + action + "/"
}

func topicPayload(topic string) map[string]string {
	payload := map[string]string{}
	if topic = strings.TrimSpace(topic); topic != "" {
		payload["topic"] = topic
	}
	return payload
}

// decodeList accepts a bare array or a paginated object keeping the items
// under "results" or the named key.
func decodeList(raw json.RawMessage, out any, key string) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, out)
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return err
	}
	for _, k := range []string{"results", key, "data"} {
		if items, ok := wrapper[k]; ok {
			return json.Unmarshal(items, out)
		}
	}
	return errors.New("response has no list")
}
