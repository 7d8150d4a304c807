package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"family-assistant/internal/domain"
)

var errClientGone = errors.New("sse: client disconnected")

// sseWriter frames chat events as server-sent events. Send and the heartbeat
// share the writer, so every write happens under mu.
type sseWriter struct {
	mu   sync.Mutex
	w    gin.ResponseWriter
	done <-chan struct{}
	err  error
}

func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	return &sseWriter{w: c.Writer, done: c.Request.Context().Done()}
}

// Send writes one `data:` frame. Once the client is gone every call fails.
func (s *sseWriter) Send(ev domain.ChatEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: encode event: %w", err)
	}
	return s.write("data: " + string(payload) + "\n\n")
}

func (s *sseWriter) comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *sseWriter) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	select {
	case <-s.done:
		s.err = errClientGone
		return s.err
	default:
	}
	if _, err := s.w.WriteString(frame); err != nil {
		s.err = fmt.Errorf("sse: write: %w", err)
		return s.err
	}
	s.w.Flush()
	return nil
}

// keepAlive writes a comment every interval until the returned stop is called.
// stop waits for the ticker goroutine so nothing is written after the handler returns.
func (s *sseWriter) keepAlive(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.comment("keep-alive"); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
