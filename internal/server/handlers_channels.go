package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/musubi/internal/bus"
	"github.com/ashita-ai/musubi/internal/model"
)

// HandleListChannels handles GET /v1/channels.
func (h *Handlers) HandleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := h.bus.Channels()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

// HandleCreateChannel handles PUT /v1/channels/{topic}. Creation is
// idempotent: re-creating an existing channel succeeds without touching it.
func (h *Handlers) HandleCreateChannel(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	var req model.CreateChannelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	created := h.bus.CreateChannel(topic, req.Description)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, map[string]any{"topic": topic, "created": created})
}

// HandlePublish handles POST /v1/channels/{topic}/messages.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	var req model.PublishRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payload is required")
		return
	}

	msg, err := h.bus.Publish(r.Context(), topic, req.Payload, req.Headers)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, msg.Headers)
}

// HandleHistory handles GET /v1/channels/{topic}/messages.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	history, err := h.bus.History(topic)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"topic":    topic,
		"messages": history,
		"count":    len(history),
	})
}

// HandleSubscribeWebhook handles POST /v1/channels/{topic}/subscriptions.
// Registers a webhook push subscription; the response carries the handle
// needed to cancel it.
func (h *Handlers) HandleSubscribeWebhook(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	var req model.SubscribeRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	target, err := bus.NewWebhookSubscriber(req.URL, nil)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	sub := h.bus.Subscribe(topic, target)
	writeJSON(w, r, http.StatusCreated, model.SubscribeResponse{
		SubscriptionID: sub.ID().String(),
		Topic:          topic,
	})
}

// HandleUnsubscribe handles DELETE /v1/subscriptions/{subscription_id}.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("subscription_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subscription id must be a UUID")
		return
	}

	if err := h.bus.Unsubscribe(id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"subscription_id": id.String(), "status": "unsubscribed"})
}

// HandleSubscribeSSE handles GET /v1/channels/{topic}/subscribe (SSE).
// Streams each published message as an SSE event until the client goes away.
func (h *Handlers) HandleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Attach before acknowledging, so a message published the instant the
	// client sees 200 is not lost.
	sub := h.bus.SubscribeChan(topic)
	defer func() { _ = h.bus.Unsubscribe(sub.ID()) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-sub.Messages():
			if !open {
				return
			}
			if _, err := w.Write(formatSSE(msg)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE renders a bus message as a Server-Sent Events frame. The event
// name is the topic; the data line is the full message JSON.
func formatSSE(msg model.Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return []byte("event: " + msg.Headers.Topic + "\nid: " + msg.Headers.MessageID.String() +
		"\ndata: " + string(data) + "\n\n")
}
