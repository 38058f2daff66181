// Package presence records which sessions are connected to this relay.
package presence

import (
	"context"
	"time"
)

// Info is stored per connected session.
type Info struct {
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Add(ctx context.Context, id string, info Info) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Noop is used when no presence backend is configured.
type Noop struct{}

func (Noop) Add(context.Context, string, Info) error { return nil }
func (Noop) Remove(context.Context, string) error    { return nil }
func (Noop) Count(context.Context) (int64, error)    { return 0, nil }
func (Noop) Close() error                            { return nil }
