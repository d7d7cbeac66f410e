package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/selector"
)

const writeWait = 10 * time.Second

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header, same-host
// origins, and the configured allowed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// WatchMessage is one frame of a watch stream. The first frame carries
// the value at subscription time and no commit.
type WatchMessage struct {
	Subscription string      `json:"subscription"`
	Context      string      `json:"context"`
	Generation   int64       `json:"generation,omitempty"`
	Commit       object.Hash `json:"commit,omitempty"`
	Value        ir.IRValue  `json:"value"`
	Error        string      `json:"error,omitempty"`
}

// watch streams changes of the value at ?path= in a context's head.
// A client that falls more than the watch buffer behind is disconnected.
func (s *Server) watch(c *gin.Context) {
	id := c.Param("id")
	path := splitPath(c.Query("path"))

	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "context", id, "origin", c.GetHeader("Origin"), "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	notes := make(chan selector.Notification, s.watchBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	sub, err := s.inst.Hub.Subscribe(ctx, id, selector.Path(path...), func(n selector.Notification) {
		select {
		case notes <- n:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		_ = write(ws, WatchMessage{Context: id, Value: ir.IRNull{}, Error: err.Error()})
		return
	}
	defer s.inst.Hub.Unsubscribe(sub)
	s.logger.Info("watch started", "context", id, "subscription", sub.ID(), "path", c.Query("path"))

	if err := write(ws, WatchMessage{Subscription: sub.ID(), Context: id, Value: sub.Value()}); err != nil {
		return
	}

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watch ended", "subscription", sub.ID())
			return
		case <-overflow:
			s.logger.Warn("watch client too slow", "subscription", sub.ID(), "buffer", s.watchBuffer)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(writeWait))
			return
		case n := <-notes:
			msg := WatchMessage{
				Subscription: n.Subscription,
				Context:      n.Context,
				Generation:   n.Generation,
				Commit:       n.Commit,
				Value:        n.Value,
			}
			if n.Err != nil {
				msg.Error = n.Err.Error()
			}
			if err := write(ws, msg); err != nil {
				return
			}
		}
	}
}

func write(ws *websocket.Conn, msg WatchMessage) error {
	if msg.Value == nil {
		msg.Value = ir.IRNull{}
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}
