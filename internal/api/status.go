// ABOUTME: Unauthenticated health and metrics endpoints: subscriber stats
// ABOUTME: plus best-effort status probes for the proxy, Redis, and SQLite.

package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyon-vpn/warden/internal/store"
)

const redisProbeTimeout = 2 * time.Second

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Message:   "service is healthy",
	})
}

// metricValue is one named reading. Values are strings across the board so
// consumers never need per-key type handling.
type metricValue struct {
	Val     string `json:"val"`
	Comment string `json:"comment"`
}

// handleMetrics reports everything it can and never fails the request;
// unreachable dependencies show up as their own status values.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	metrics := map[string]metricValue{}

	stats, err := s.subs.Stats(ctx)
	if err != nil {
		s.logger.Error("collecting subscriber stats", "error", err)
		metrics["database_status"] = metricValue{Val: "error", Comment: err.Error()}
		stats = &store.Stats{}
	} else {
		metrics["database_status"] = metricValue{Val: "connected", Comment: "database reachable"}
	}

	metrics["total_users"] = metricValue{
		Val: strconv.Itoa(stats.Total), Comment: "subscriptions in the database"}
	metrics["active_users"] = metricValue{
		Val: strconv.Itoa(stats.Active), Comment: "subscriptions with active=true"}
	metrics["inactive_users"] = metricValue{
		Val: strconv.Itoa(stats.Total - stats.Active), Comment: "subscriptions with active=false"}
	metrics["users_with_link"] = metricValue{
		Val: strconv.Itoa(stats.WithLink), Comment: "subscriptions holding an issued link"}
	metrics["users_without_link"] = metricValue{
		Val: strconv.Itoa(stats.Total - stats.WithLink), Comment: "subscriptions not yet issued a link"}

	state, detail := s.proxy.Status(ctx)
	stateComment := "proxy service is running"
	if state != "active" {
		stateComment = "proxy service state: " + state
		if detail != "" {
			stateComment += " (" + detail + ")"
		}
	}
	metrics["xray_status"] = metricValue{Val: state, Comment: stateComment}

	redisVal, redisComment := s.redisStatus(ctx)
	metrics["redis_status"] = metricValue{Val: redisVal, Comment: redisComment}

	clients := 0
	if doc, err := s.access.Load(ctx); err != nil {
		s.logger.Error("loading access document", "error", err)
	} else {
		clients = len(doc.Clients())
	}
	metrics["xray_users_count"] = metricValue{
		Val: strconv.Itoa(clients), Comment: fmt.Sprintf("%d client entries in the proxy document", clients)}

	metrics["timestamp"] = metricValue{
		Val: time.Now().UTC().Format(time.RFC3339), Comment: "collection time (RFC 3339)"}

	writeJSON(w, http.StatusOK, metrics)
}

// redisStatus pings the configured Redis with a short deadline. A fresh
// client per probe keeps the API free of persistent Redis state.
func (s *Server) redisStatus(ctx context.Context) (string, string) {
	if !s.cfg.Redis.Enabled {
		return "disabled", "redis is not configured"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, redisProbeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return "disconnected", fmt.Sprintf("redis unreachable: %v", err)
	}
	return "connected", "redis reachable"
}
