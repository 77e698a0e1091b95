package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relayscope/internal/models"
)

const (
	livePushInterval = 60 * time.Second
	liveWriteTimeout = 5 * time.Second
)

var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// liveMessage is pushed to websocket clients. Kind is "stats" for periodic
// snapshots and "report" right after a health-check run.
type liveMessage struct {
	Kind        string               `json:"kind"`
	GeneratedAt time.Time            `json:"generated_at"`
	Stats       *statsPayload        `json:"stats,omitempty"`
	Report      *models.HealthReport `json:"report,omitempty"`
	Error       string               `json:"error,omitempty"`
}

func (s *Server) handleHealthWS(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveLiveConnection(conn, source)
}

func (s *Server) serveLiveConnection(conn *websocket.Conn, source string) {
	defer conn.Close()

	reports, unsubscribe := s.opts.Health.Subscribe()
	defer unsubscribe()

	if err := writeLivePayload(conn, s.liveStats(source)); err != nil {
		return
	}

	ticker := time.NewTicker(livePushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := writeLivePayload(conn, s.liveStats(source)); err != nil {
				return
			}
		case report := <-reports:
			if source != "" && report.Source != source {
				continue
			}
			msg := s.liveStats(source)
			msg.Kind = "report"
			msg.Report = &report
			if err := writeLivePayload(conn, msg); err != nil {
				s.logger.Debug("live push failed", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) liveStats(source string) liveMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	msg := liveMessage{Kind: "stats", GeneratedAt: time.Now().UTC()}
	payload, err := s.buildStats(ctx, source)
	if err != nil {
		msg.Error = err.Error()
		return msg
	}
	msg.Stats = &payload
	return msg
}

func writeLivePayload(conn *websocket.Conn, payload liveMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return conn.WriteJSON(payload)
}
