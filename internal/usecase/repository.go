package usecase

import (
	"context"
	"time"

	"avmed-detection/internal/domain"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, rec domain.SessionRecord) error
	GetSession(ctx context.Context, id string) (domain.SessionRecord, bool, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]domain.SessionRecord, int, error)
	AddFrameCounts(ctx context.Context, id string, delta domain.FrameCounters) error
	SetClosed(ctx context.Context, id string, closedAt time.Time, errMsg *string) error
	DeleteSession(ctx context.Context, id string) error
	ClearAllSessions(ctx context.Context) error
}

type SessionFilter struct {
	Mode       string // "" matches any; otherwise "local" or "remote"
	ActiveOnly bool   // only sessions without a ClosedAt timestamp
	Limit      int
	Offset     int
}
