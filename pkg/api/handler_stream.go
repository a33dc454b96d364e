package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/warden/pkg/events"
)

// sseWriter adapts gin's response writer for the connection manager:
// writes flush immediately and carry a per-write deadline when the
// underlying connection supports one.
type sseWriter struct {
	w  gin.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil {
		s.w.Flush()
	}
	return n, err
}

func (s *sseWriter) SetWriteDeadline(t time.Time) error {
	return s.rc.SetWriteDeadline(t)
}

// agentStreamHandler handles GET /agents/:id/stream: the live SSE feed
// of one agent's lifecycle, task, and approval events.
func (s *Server) agentStreamHandler(c *gin.Context) {
	s.serveStream(c, c.Param("id"))
}

// approvalsStreamHandler handles GET /approvals/stream: approval events
// across all agents.
func (s *Server) approvalsStreamHandler(c *gin.Context) {
	s.serveStream(c, events.ApprovalsChannel)
}

// serveStream subscribes the client to a channel and blocks until the
// client disconnects, falls too far behind, or the manager shuts down.
// A Last-Event-ID header resumes from the replay ring.
func (s *Server) serveStream(c *gin.Context, channel string) {
	var lastEventID uint64
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeProblem(c, http.StatusBadRequest, kindInvalidInput,
				"Last-Event-ID must be an unsigned integer")
			return
		}
		lastEventID = id
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sub, err := s.events.Connect(channel, lastEventID, &sseWriter{
		w:  c.Writer,
		rc: http.NewResponseController(c.Writer),
	})
	if err != nil {
		// Headers are already on the wire; just stop.
		return
	}

	select {
	case <-c.Request.Context().Done():
		s.events.Disconnect(sub)
	case <-sub.Done():
	}
}
