package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
)

// Subscribe consumes the lifecycle and notification pub/sub channels and
// dispatches each message to the local connections. Every gateway
// instance runs one subscriber so a transition published anywhere reaches
// clients connected everywhere.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, lifecycleChannel, notificationChannel string, f *Fanout) {
	for {
		sub := rc.Subscribe(ctx, lifecycleChannel, notificationChannel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				switch msg.Channel {
				case lifecycleChannel:
					handleLifecycle(logger, f, msg.Payload)
				case notificationChannel:
					handleNotification(logger, f, msg.Payload)
				}
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func handleLifecycle(logger *log.Logger, f *Fanout, payload string) {
	var ev domain.LifecycleEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logger.Errorf("unable to parse lifecycle event: %v", err)
		return
	}
	data, err := sonic.Marshal(envelope{Kind: kindLifecycle, Data: ev})
	if err != nil {
		logger.Errorf("marshal lifecycle payload: %v", err)
		return
	}
	f.NotifyWatchers(ev.EventID, data)
	if ev.OwnerID != "" {
		f.NotifyUser(ev.OwnerID, data)
	}
}

func handleNotification(logger *log.Logger, f *Fanout, payload string) {
	var msg domain.NotificationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Errorf("unable to parse notification message: %v", err)
		return
	}
	if msg.UserID == "" {
		logger.Warn("notification message without target user, ignoring")
		return
	}
	if msg.Notification != nil {
		data, err := sonic.Marshal(envelope{Kind: kindNotification, Data: msg.Notification})
		if err != nil {
			logger.Errorf("marshal notification payload: %v", err)
			return
		}
		f.NotifyUser(msg.UserID, data)
	}
	if msg.UnreadCount != nil {
		f.NotifyUnreadCount(msg.UserID, *msg.UnreadCount)
	}
}
