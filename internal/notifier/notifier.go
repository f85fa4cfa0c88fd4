// Package notifier drains the lifecycle outbox queue: it records a
// durable notification for the event owner and republishes the transition
// on Redis so every gateway instance can push it to its local
// connections.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
)

// maxDeliveries is the dequeue count after which a message is treated as
// poison and dropped.
const maxDeliveries = 5

// Store persists notifications.
type Store interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Queue is the lifecycle outbox consumer side.
type Queue interface {
	DequeueLifecycleMessage(ctx context.Context) (*azqueue.DequeuedMessage, error)
	DeleteLifecycleMessage(ctx context.Context, id, receipt string) error
}

// Processor applies one lifecycle queue message.
type Processor struct {
	store               Store
	rc                  *redis.Client
	lifecycleChannel    string
	notificationChannel string
	logger              *log.Logger

	now   func() time.Time
	newID func() string
}

func NewProcessor(store Store, rc *redis.Client, lifecycleChannel, notificationChannel string, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{
		store:               store,
		rc:                  rc,
		lifecycleChannel:    lifecycleChannel,
		notificationChannel: notificationChannel,
		logger:              logger,
		now:                 time.Now,
		newID:               uuid.NewString,
	}
}

type notificationBody struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Phase   string `json:"phase"`
	Status  string `json:"status"`
	Time    int64  `json:"time"`
}

// Process decodes one lifecycle event, stores the owner's notification,
// and republishes the raw payload on the lifecycle channel. A decode or
// storage failure is returned so the caller can decide on redelivery; a
// publish failure is logged only, push delivery is best-effort.
func (p *Processor) Process(ctx context.Context, payload string) error {
	var ev domain.LifecycleEvent
	if err := sonic.UnmarshalString(payload, &ev); err != nil {
		return fmt.Errorf("decode lifecycle event: %w", err)
	}
	if ev.EventID == "" || ev.Type == "" {
		return errors.New("lifecycle event missing event id or type")
	}

	if ev.OwnerID != "" {
		body, err := sonic.Marshal(notificationBody{
			EventID: ev.EventID,
			Type:    ev.Type,
			Phase:   string(ev.Phase),
			Status:  string(ev.Status),
			Time:    ev.Time,
		})
		if err != nil {
			return fmt.Errorf("marshal notification body: %w", err)
		}
		n := domain.Notification{
			ID:        p.newID(),
			UserID:    ev.OwnerID,
			Payload:   body,
			CreatedAt: p.now(),
		}
		if err := p.store.InsertNotification(ctx, n); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		p.publishNotification(ctx, n)
	}

	if err := p.rc.Publish(ctx, p.lifecycleChannel, payload).Err(); err != nil {
		p.logger.Errorf("publish lifecycle event %s to %s: %v", ev.ID, p.lifecycleChannel, err)
	}
	return nil
}

// publishNotification pushes the stored notification and the user's new
// unread count over the notification channel. An unavailable count still
// publishes the notification itself.
func (p *Processor) publishNotification(ctx context.Context, n domain.Notification) {
	msg := domain.NotificationMessage{UserID: n.UserID, Notification: &n}
	if count, err := p.store.UnreadCount(ctx, n.UserID); err != nil {
		p.logger.Errorf("unread count for %s: %v", n.UserID, err)
	} else {
		msg.UnreadCount = &count
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		p.logger.Errorf("marshal notification message: %v", err)
		return
	}
	if err := p.rc.Publish(ctx, p.notificationChannel, data).Err(); err != nil {
		p.logger.Errorf("publish notification for %s: %v", n.UserID, err)
	}
}

// Run dequeues lifecycle messages until the context is cancelled. Failed
// messages stay on the queue for redelivery; after maxDeliveries attempts
// they are dropped as poison.
func Run(ctx context.Context, logger *log.Logger, q Queue, p *Processor) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := q.DequeueLifecycleMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("dequeue: %v", err)
			sleep(ctx, time.Second)
			continue
		}
		if msg == nil {
			sleep(ctx, time.Second)
			continue
		}
		if msg.MessageID == nil || msg.PopReceipt == nil {
			logger.Error("dequeued message missing id or receipt")
			continue
		}
		if msg.MessageText == nil {
			// An empty body can never process; leaving it queued would
			// redeliver it forever.
			logger.WithFields(log.Fields{"message": *msg.MessageID}).Error("dropping message with no body")
			if err := q.DeleteLifecycleMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
				logger.Errorf("delete message %s: %v", *msg.MessageID, err)
			}
			continue
		}
		if err := p.Process(ctx, *msg.MessageText); err != nil {
			if msg.DequeueCount != nil && *msg.DequeueCount >= maxDeliveries {
				logger.WithFields(log.Fields{"message": *msg.MessageID}).Errorf("dropping poison message: %v", err)
			} else {
				logger.WithFields(log.Fields{"message": *msg.MessageID}).Errorf("process: %v", err)
				continue
			}
		}
		if err := q.DeleteLifecycleMessage(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
			logger.Errorf("delete message %s: %v", *msg.MessageID, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
