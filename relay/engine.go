// Package relay routes messages between addresses, queuing them until the
// receiver acknowledges delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"msgrelay/metrics"
	"msgrelay/models"
	"msgrelay/store"
)

// ErrMalformedPayload is returned for inbound events missing required fields.
// Such events never reach a store.
var ErrMalformedPayload = errors.New("malformed payload")

// Pusher writes outbound events to the connection registered under connRef.
// Implementations must bound the time a single push may block.
type Pusher interface {
	PushMessage(connRef string, msg models.Message) error
	PushDelivered(connRef string, id string) error
}

// Engine implements connect, send, acknowledge and disconnect on top of a
// session store and a message store. Store locks are never held across a push.
type Engine struct {
	sessions store.SessionStore
	messages store.MessageStore
	pusher   Pusher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEngine(sessions store.SessionStore, messages store.MessageStore, pusher Pusher, logger zerolog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		messages: messages,
		pusher:   pusher,
		logger:   logger.With().Str("component", "relay").Logger(),
		now:      time.Now,
	}
}

// Connect marks address online at connRef and pushes every queued message for
// it, oldest first. Queued messages stay stored until acknowledged, so a
// reconnect before acknowledgment delivers them again. A failed push ends the
// flush; the error is logged, not returned.
func (e *Engine) Connect(ctx context.Context, address, connRef string) error {
	if address == "" || connRef == "" {
		metrics.MalformedPayloads.WithLabelValues("connect").Inc()
		return fmt.Errorf("connect: %w", ErrMalformedPayload)
	}

	if err := e.sessions.Upsert(ctx, address, connRef, e.now()); err != nil {
		metrics.StoreErrors.WithLabelValues("upsert").Inc()
		return fmt.Errorf("connect %s: %w", address, err)
	}
	metrics.SessionsConnected.Inc()
	e.logger.Debug().Str("address", address).Str("conn", connRef).Msg("session online")

	e.flush(ctx, address, connRef)
	return nil
}

func (e *Engine) flush(ctx context.Context, address, connRef string) {
	queued, err := e.messages.FindByReceiver(ctx, address)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("find_by_receiver").Inc()
		e.logger.Error().Err(err).Str("address", address).Msg("failed to load queued messages")
		return
	}

	for i, msg := range queued {
		if err := e.pusher.PushMessage(connRef, msg); err != nil {
			metrics.PushFailures.WithLabelValues("message").Inc()
			e.logger.Warn().
				Err(err).
				Str("address", address).
				Str("message_id", msg.ID).
				Int("remaining", len(queued)-i).
				Msg("flush stopped")
			return
		}
		metrics.MessagesPushed.WithLabelValues("flush").Inc()
	}

	if len(queued) > 0 {
		e.logger.Info().Str("address", address).Int("count", len(queued)).Msg("flushed queued messages")
	}
}

// Heartbeat refreshes the last-seen time of the session bound to connRef
// without flushing. A heartbeat from a connection that has been superseded
// by a newer connect is ignored. If the session is gone, for instance after
// the reaper evicted it, the heartbeat restores it and flushes the queue as
// Connect does.
func (e *Engine) Heartbeat(ctx context.Context, address, connRef string) error {
	if address == "" || connRef == "" {
		return fmt.Errorf("heartbeat: %w", ErrMalformedPayload)
	}

	created, err := e.sessions.Touch(ctx, address, connRef, e.now())
	if errors.Is(err, store.ErrSuperseded) {
		e.logger.Debug().Str("address", address).Str("conn", connRef).Msg("heartbeat from superseded connection ignored")
		return nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("touch").Inc()
		return fmt.Errorf("heartbeat %s: %w", address, err)
	}

	if created {
		metrics.SessionsConnected.Inc()
		e.logger.Info().Str("address", address).Str("conn", connRef).Msg("session restored by heartbeat")
		e.flush(ctx, address, connRef)
	}
	return nil
}

// Send stores msg and pushes it to the receiver if they are online.
// The message is durable before any delivery attempt; a failed push leaves it
// queued for the receiver's next connect.
func (e *Engine) Send(ctx context.Context, msg models.Message) error {
	if msg.ID == "" || msg.Sender == "" || msg.Receiver == "" {
		metrics.MalformedPayloads.WithLabelValues("message").Inc()
		return fmt.Errorf("send: %w", ErrMalformedPayload)
	}

	if err := e.messages.Append(ctx, msg); err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		return fmt.Errorf("send %s: %w", msg.ID, err)
	}
	metrics.MessagesSent.Inc()

	sess, err := e.sessions.Lookup(ctx, msg.Receiver)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug().Str("message_id", msg.ID).Str("receiver", msg.Receiver).Msg("receiver offline, queued")
		return nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("lookup").Inc()
		e.logger.Error().Err(err).Str("message_id", msg.ID).Str("receiver", msg.Receiver).Msg("receiver lookup failed, queued")
		return nil
	}

	if err := e.pusher.PushMessage(sess.ConnRef, msg); err != nil {
		metrics.PushFailures.WithLabelValues("message").Inc()
		e.logger.Warn().Err(err).Str("message_id", msg.ID).Str("receiver", msg.Receiver).Msg("immediate delivery failed, queued")
		return nil
	}
	metrics.MessagesPushed.WithLabelValues("immediate").Inc()
	return nil
}

// AcknowledgeDelivery removes message id and reports it to claimedSender.
// If the sender is offline the report is dropped for good and the message
// stays queued. A second acknowledgment for the same id is silent.
func (e *Engine) AcknowledgeDelivery(ctx context.Context, id, claimedSender string) error {
	if id == "" || claimedSender == "" {
		metrics.MalformedPayloads.WithLabelValues("delivered").Inc()
		return fmt.Errorf("acknowledge: %w", ErrMalformedPayload)
	}

	sess, err := e.sessions.Lookup(ctx, claimedSender)
	if errors.Is(err, store.ErrNotFound) {
		metrics.DeliveryReportsDropped.WithLabelValues("sender_offline").Inc()
		e.logger.Info().Str("message_id", id).Str("sender", claimedSender).Msg("sender offline, delivery report dropped")
		return nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("lookup").Inc()
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}

	if _, err := e.messages.DeleteByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.DeliveryReportsDropped.WithLabelValues("unknown_message").Inc()
			return nil
		}
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	metrics.DeliveriesAcknowledged.Inc()

	if err := e.pusher.PushDelivered(sess.ConnRef, id); err != nil {
		metrics.PushFailures.WithLabelValues("delivered").Inc()
		e.logger.Warn().Err(err).Str("message_id", id).Str("sender", claimedSender).Msg("delivery report push failed")
	}
	return nil
}

// Disconnect drops the session for address if it is still bound to connRef;
// a session taken over by a newer connection is kept. Queued messages are
// kept either way.
func (e *Engine) Disconnect(ctx context.Context, address, connRef string) error {
	removed, err := e.sessions.RemoveConn(ctx, address, connRef)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("remove").Inc()
		return fmt.Errorf("disconnect %s: %w", address, err)
	}
	if !removed {
		e.logger.Debug().Str("address", address).Str("conn", connRef).Msg("session already gone or superseded")
		return nil
	}
	metrics.SessionsDisconnected.Inc()
	e.logger.Debug().Str("address", address).Msg("session offline")
	return nil
}
