package services

import (
	"context"
	"fmt"
	"time"

	"github.com/oriole-systems/toolhub/pkg/database"
)

// AdminStats is the platform-admin dashboard snapshot.
type AdminStats struct {
	Workspaces      int64 `json:"workspaces"`
	Users           int64 `json:"users"`
	ActiveUserTools int64 `json:"active_user_tools"`
	LiveSessions    int64 `json:"live_sessions"`
	Projects        int64 `json:"projects"`
	Agents          int64 `json:"agents"`
	BrokenAgents    int64 `json:"broken_agents"`
}

// StatsService computes deployment-wide counts for the admin dashboard.
type StatsService interface {
	Stats(ctx context.Context) (*AdminStats, error)
}

type statsService struct {
	db *database.DB
}

// NewStatsService creates a new StatsService.
func NewStatsService(db *database.DB) StatsService {
	return &statsService{db: db}
}

var _ StatsService = (*statsService)(nil)

func (s *statsService) Stats(ctx context.Context) (*AdminStats, error) {
	stats := &AdminStats{}

	counts := []struct {
		query string
		args  []any
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM workspaces`, nil, &stats.Workspaces},
		{`SELECT COUNT(*) FROM users`, nil, &stats.Users},
		{`SELECT COUNT(*) FROM user_tools WHERE enabled = 1`, nil, &stats.ActiveUserTools},
		{`SELECT COUNT(*) FROM sessions WHERE expires_at > ?`, []any{time.Now().UTC()}, &stats.LiveSessions},
		{`SELECT COUNT(*) FROM projects`, nil, &stats.Projects},
		{`SELECT COUNT(*) FROM agents`, nil, &stats.Agents},
		{`SELECT COUNT(*) FROM agents WHERE state = 'broken'`, nil, &stats.BrokenAgents},
	}
	for _, count := range counts {
		if err := s.db.QueryRowContext(ctx, count.query, count.args...).Scan(count.dest); err != nil {
			return nil, fmt.Errorf("failed to count admin stats: %w", err)
		}
	}

	return stats, nil
}
