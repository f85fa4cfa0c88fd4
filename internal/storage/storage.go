// Package storage persists events, sessions, geofence rules, and
// notifications in Azure Table Storage and carries lifecycle events
// through an Azure Queue outbox.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
)

// Tables groups the table names one Storage instance works with.
type Tables struct {
	Events        string
	Sessions      string
	GeoRules      string
	Notifications string
}

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	eventTable        *aztables.Client
	sessionTable      *aztables.Client
	ruleTable         *aztables.Client
	notificationTable *aztables.Client
	lifecycleQueue    *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string. The
// queue name may be empty for consumers that never touch the outbox.
func New(connStr string, tables Tables, lifecycleQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		eventTable:        svc.NewClient(tables.Events),
		sessionTable:      svc.NewClient(tables.Sessions),
		ruleTable:         svc.NewClient(tables.GeoRules),
		notificationTable: svc.NewClient(tables.Notifications),
	}
	if lifecycleQueue != "" {
		queueClientOptions := azqueue.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Retry: policy.RetryOptions{
					MaxRetries:    5,
					TryTimeout:    time.Minute * 5,
					RetryDelay:    time.Second * 1,
					MaxRetryDelay: time.Second * 60,
					StatusCodes:   []int{408, 429, 500, 502, 503, 504},
				},
			},
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, lifecycleQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		s.lifecycleQueue = q
	}
	return s, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

type eventEntity struct {
	aztables.Entity
	OwnerID       string `json:"OwnerId"`
	Title         string `json:"Title"`
	StartTime     string `json:"StartTime"`
	EndTime       string `json:"EndTime"`
	GeoRestricted bool   `json:"GeoRestricted"`
	GeoRegions    string `json:"GeoRegions"`
	Phase         string `json:"Phase"`
	Status        string `json:"Status"`
}

func decodeEventEntity(data []byte) (*domain.Event, error) {
	var ent eventEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	state, err := domain.StateFrom(domain.Phase(ent.Phase), domain.Status(ent.Status))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ent.RowKey, err)
	}
	ev := &domain.Event{
		ID:            ent.RowKey,
		OwnerID:       ent.OwnerID,
		Title:         ent.Title,
		GeoRestricted: ent.GeoRestricted,
		State:         state,
	}
	if ent.StartTime != "" {
		if ev.StartTime, err = time.Parse(time.RFC3339, ent.StartTime); err != nil {
			return nil, fmt.Errorf("event %s start time: %w", ent.RowKey, err)
		}
	}
	if ent.EndTime != "" {
		if ev.EndTime, err = time.Parse(time.RFC3339, ent.EndTime); err != nil {
			return nil, fmt.Errorf("event %s end time: %w", ent.RowKey, err)
		}
	}
	if ent.GeoRegions != "" {
		if err := json.Unmarshal([]byte(ent.GeoRegions), &ev.GeoRegions); err != nil {
			return nil, fmt.Errorf("event %s geo regions: %w", ent.RowKey, err)
		}
	}
	return ev, nil
}

// EventByID retrieves an event if present.
func (s *Storage) EventByID(ctx context.Context, id string) (*domain.Event, error) {
	resp, err := s.eventTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeEventEntity(resp.Value)
}

// SaveEvent upserts the event record.
func (s *Storage) SaveEvent(ctx context.Context, ev domain.Event) error {
	ent := eventEntity{
		Entity:        aztables.Entity{PartitionKey: ev.ID, RowKey: ev.ID},
		OwnerID:       ev.OwnerID,
		Title:         ev.Title,
		GeoRestricted: ev.GeoRestricted,
		Phase:         string(ev.State.Phase()),
		Status:        string(ev.State.Status()),
	}
	if !ev.StartTime.IsZero() {
		ent.StartTime = ev.StartTime.UTC().Format(time.RFC3339)
	}
	if !ev.EndTime.IsZero() {
		ent.EndTime = ev.EndTime.UTC().Format(time.RFC3339)
	}
	if len(ev.GeoRegions) > 0 {
		regions, err := json.Marshal(ev.GeoRegions)
		if err != nil {
			return err
		}
		ent.GeoRegions = string(regions)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.eventTable.UpsertEntity(ctx, payload, nil)
	return err
}

type sessionEntity struct {
	aztables.Entity
	EventID     string `json:"EventId"`
	RoomID      string `json:"RoomId"`
	AccessLevel string `json:"AccessLevel"`
	Active      bool   `json:"Active"`
	GeoRegions  string `json:"GeoRegions"`
	CreatedAt   string `json:"CreatedAt"`
	EndedAt     string `json:"EndedAt"`
}

func decodeSessionEntity(data []byte) (*domain.StreamingSession, error) {
	var ent sessionEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	sess := &domain.StreamingSession{
		ID:          ent.RowKey,
		EventID:     ent.EventID,
		RoomID:      ent.RoomID,
		AccessLevel: domain.AccessLevel(ent.AccessLevel),
		Active:      ent.Active,
	}
	var err error
	if ent.CreatedAt != "" {
		if sess.CreatedAt, err = time.Parse(time.RFC3339, ent.CreatedAt); err != nil {
			return nil, fmt.Errorf("session %s created at: %w", ent.RowKey, err)
		}
	}
	if ent.EndedAt != "" {
		ended, err := time.Parse(time.RFC3339, ent.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("session %s ended at: %w", ent.RowKey, err)
		}
		sess.EndedAt = &ended
	}
	if ent.GeoRegions != "" {
		if err := json.Unmarshal([]byte(ent.GeoRegions), &sess.GeoRegions); err != nil {
			return nil, fmt.Errorf("session %s geo regions: %w", ent.RowKey, err)
		}
	}
	return sess, nil
}

// SessionByID retrieves a streaming session if present.
func (s *Storage) SessionByID(ctx context.Context, id string) (*domain.StreamingSession, error) {
	resp, err := s.sessionTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSessionEntity(resp.Value)
}

// ActiveSession returns the single active session for an event, or nil.
func (s *Storage) ActiveSession(ctx context.Context, eventID string) (*domain.StreamingSession, error) {
	filter := "EventId eq " + odataString(eventID) + " and Active eq true"
	pager := s.sessionTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			return decodeSessionEntity(e)
		}
	}
	return nil, nil
}

// SaveSession upserts the session record.
func (s *Storage) SaveSession(ctx context.Context, sess domain.StreamingSession) error {
	ent := sessionEntity{
		Entity:      aztables.Entity{PartitionKey: sess.ID, RowKey: sess.ID},
		EventID:     sess.EventID,
		RoomID:      sess.RoomID,
		AccessLevel: string(sess.AccessLevel),
		Active:      sess.Active,
	}
	if !sess.CreatedAt.IsZero() {
		ent.CreatedAt = sess.CreatedAt.UTC().Format(time.RFC3339)
	}
	if sess.EndedAt != nil {
		ent.EndedAt = sess.EndedAt.UTC().Format(time.RFC3339)
	}
	if len(sess.GeoRegions) > 0 {
		regions, err := json.Marshal(sess.GeoRegions)
		if err != nil {
			return err
		}
		ent.GeoRegions = string(regions)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.sessionTable.UpsertEntity(ctx, payload, nil)
	return err
}

type ruleEntity struct {
	aztables.Entity
	ListType string `json:"ListType"`
	Regions  string `json:"Regions"`
}

// odataString quotes a value for use inside an OData filter. Single
// quotes are doubled so caller-supplied IDs cannot break out of the
// literal.
func odataString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func rulePartition(targetType domain.TargetType, targetID string) string {
	return string(targetType) + ":" + targetID
}

func decodeRuleEntity(data []byte, targetType domain.TargetType, targetID string) (domain.GeofenceRule, error) {
	var ent ruleEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.GeofenceRule{}, err
	}
	rule := domain.GeofenceRule{
		ID:         ent.RowKey,
		TargetType: targetType,
		TargetID:   targetID,
		ListType:   domain.ListType(ent.ListType),
	}
	if ent.Regions != "" {
		if err := json.Unmarshal([]byte(ent.Regions), &rule.Regions); err != nil {
			return domain.GeofenceRule{}, fmt.Errorf("rule %s regions: %w", ent.RowKey, err)
		}
	}
	return rule, nil
}

// GeofenceRules retrieves all rules for the given target.
func (s *Storage) GeofenceRules(ctx context.Context, targetType domain.TargetType, targetID string) ([]domain.GeofenceRule, error) {
	filter := "PartitionKey eq " + odataString(rulePartition(targetType, targetID))
	pager := s.ruleTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	rules := []domain.GeofenceRule{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			rule, err := decodeRuleEntity(e, targetType, targetID)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// SaveGeofenceRule upserts a rule row for its target.
func (s *Storage) SaveGeofenceRule(ctx context.Context, rule domain.GeofenceRule) error {
	regions, err := json.Marshal(rule.Regions)
	if err != nil {
		return err
	}
	ent := ruleEntity{
		Entity:   aztables.Entity{PartitionKey: rulePartition(rule.TargetType, rule.TargetID), RowKey: rule.ID},
		ListType: string(rule.ListType),
		Regions:  string(regions),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.ruleTable.UpsertEntity(ctx, payload, nil)
	return err
}

type notificationEntity struct {
	aztables.Entity
	Payload   string `json:"Payload"`
	Read      bool   `json:"Read"`
	CreatedAt string `json:"CreatedAt"`
}

// InsertNotification stores a notification row for later fetch by the
// user's next poll or login.
func (s *Storage) InsertNotification(ctx context.Context, n domain.Notification) error {
	ent := notificationEntity{
		Entity:  aztables.Entity{PartitionKey: n.UserID, RowKey: n.ID},
		Payload: string(n.Payload),
		Read:    n.Read,
	}
	if !n.CreatedAt.IsZero() {
		ent.CreatedAt = n.CreatedAt.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.notificationTable.UpsertEntity(ctx, payload, nil)
	return err
}

// UnreadCount counts the user's unread notifications.
func (s *Storage) UnreadCount(ctx context.Context, userID string) (int, error) {
	filter := "PartitionKey eq " + odataString(userID) + " and Read eq false"
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	count := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		count += len(resp.Entities)
	}
	return count, nil
}

// EnqueueLifecycleEvent appends a lifecycle event to the outbox queue.
func (s *Storage) EnqueueLifecycleEvent(ctx context.Context, ev domain.LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.lifecycleQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// DequeueLifecycleMessage retrieves a single raw message from the outbox.
func (s *Storage) DequeueLifecycleMessage(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.lifecycleQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteLifecycleMessage removes a processed message from the outbox.
func (s *Storage) DeleteLifecycleMessage(ctx context.Context, id, receipt string) error {
	_, err := s.lifecycleQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
