package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"vidachat/internal/chat"
	"vidachat/internal/model"
)

// Handle dispatches one inbound event from connID. Malformed or failed
// events are logged and dropped; the connection stays open. When the event
// carries a ref the outcome is acknowledged to the sender.
func (h *Hub) Handle(ctx context.Context, connID string, ev model.Event) {
	h.presence.Touch(connID)

	if c, ok := h.lookup(connID); ok && c.limiter != nil && !c.limiter.Allow() {
		h.finish(connID, ev, "", ErrRateLimited)
		return
	}

	messageID, err := h.dispatch(ctx, connID, ev)
	h.finish(connID, ev, messageID, err)
}

func (h *Hub) dispatch(ctx context.Context, connID string, ev model.Event) (string, error) {
	switch ev.Type {
	case model.EventJoin:
		var p model.JoinPayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		return "", h.Identify(connID, p.UserID)

	case model.EventJoinConversation:
		var p model.ConversationPayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		return "", h.JoinConversation(ctx, connID, p.ConversationID)

	case model.EventLeaveConversation:
		var p model.ConversationPayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		return "", h.LeaveConversation(connID, p.ConversationID)

	case model.EventSendMessage:
		var p model.SendMessagePayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		msg, err := h.SendMessage(ctx, connID, p)
		return msg.ID, err

	case model.EventAddReaction:
		var p model.AddReactionPayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		updated, err := h.AddReaction(ctx, connID, p)
		return updated.MessageID, err

	case model.EventTyping:
		var p model.TypingPayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		return "", h.Typing(connID, p)

	case model.EventMarkRead:
		var p model.MarkReadPayload
		if err := decode(ev.Data, &p); err != nil {
			return "", err
		}
		_, err := h.MarkRead(ctx, connID, p)
		return "", err
	}
	return "", ErrUnknownEvent
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrMalformed
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformed
	}
	return nil
}

func (h *Hub) finish(connID string, ev model.Event, messageID string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		log.Printf("[hub] ❌ %s from %s dropped: %v", ev.Type, connID, err)
	}
	eventType := ev.Type
	if !knownEvent(eventType) {
		eventType = "unknown"
	}
	h.metrics.Events.WithLabelValues(eventType, outcome).Inc()

	if ev.Ref == "" {
		return
	}
	ack := model.AckPayload{Event: ev.Type, OK: err == nil, MessageID: messageID}
	if err != nil {
		ack.Error = publicError(err)
	}
	data, encErr := json.Marshal(ack)
	if encErr != nil {
		return
	}
	h.replyEvent(connID, model.Event{Type: model.EventAck, Ref: ev.Ref, Data: data})
}

// publicError is the error text safe to show the client. Storage failures
// are not described.
func publicError(err error) string {
	switch {
	case chat.IsValidation(err), chat.IsNotFound(err), errors.Is(err, chat.ErrAccessDenied):
		return err.Error()
	case isRelayError(err):
		return err.Error()
	}
	return "failed to persist"
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownEvent):
		return "malformed"
	case errors.Is(err, chat.ErrAccessDenied), errors.Is(err, ErrIdentityMismatch):
		return "denied"
	case chat.IsValidation(err), chat.IsNotFound(err), isRelayError(err):
		return "rejected"
	}
	return "error"
}

func isRelayError(err error) bool {
	for _, target := range []error{
		ErrUnknownConnection, ErrDuplicateConn, ErrNotIdentified, ErrIdentityMismatch,
		ErrNotInRoom, ErrMalformed, ErrUnknownEvent, ErrRateLimited,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func knownEvent(t string) bool {
	switch t {
	case model.EventJoin, model.EventJoinConversation, model.EventLeaveConversation,
		model.EventSendMessage, model.EventAddReaction, model.EventTyping, model.EventMarkRead:
		return true
	}
	return false
}

func (h *Hub) lookup(connID string) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

func (h *Hub) replyEvent(connID string, ev model.Event) {
	c, ok := h.lookup(connID)
	if !ok {
		return
	}
	if err := c.sender.Send(ev); err != nil {
		h.metrics.SendErrors.Inc()
		return
	}
	h.metrics.Broadcasts.WithLabelValues(ev.Type).Inc()
}
