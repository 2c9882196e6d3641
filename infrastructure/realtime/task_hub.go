package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"crosspost/domain/dto"
	"crosspost/domain/repository"

	"github.com/gin-gonic/gin"
)

// Hub maintains per-user subscribers listening for task status events.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[chan dto.TaskEventMessage]struct{}
}

func NewTaskHub() *Hub {
	return &Hub{users: make(map[string]map[chan dto.TaskEventMessage]struct{})}
}

// Serve registers an SSE stream for the authenticated user (user_id set by middleware).
func (h *Hub) Serve(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.Status(http.StatusUnauthorized)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // disable nginx buffering

	ch := make(chan dto.TaskEventMessage, 16)
	h.addSubscriber(userID, ch)
	defer h.removeSubscriber(userID, ch)

	_, _ = c.Writer.Write([]byte(":ok\n\n"))
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt := <-ch:
			data, _ := json.Marshal(evt)
			_, _ = c.Writer.Write([]byte("event: task_status\n"))
			_, _ = c.Writer.Write([]byte("data: "))
			_, _ = c.Writer.Write(data)
			_, _ = c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

func (h *Hub) addSubscriber(userID string, ch chan dto.TaskEventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[userID] == nil {
		h.users[userID] = make(map[chan dto.TaskEventMessage]struct{})
	}
	h.users[userID][ch] = struct{}{}
}

func (h *Hub) removeSubscriber(userID string, ch chan dto.TaskEventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.users[userID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.users, userID)
		}
	}
}

// Subscribers returns the number of open streams of a user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// NotifyTask broadcasts to all subscribers of the user who owns the task.
// Slow subscribers miss events rather than block the publisher.
func (h *Hub) NotifyTask(_ context.Context, ev repository.TaskEvent) error {
	evt := dto.NewTaskEventMessage(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.users[ev.OwnerID] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

var _ repository.ITaskNotifier = (*Hub)(nil)
