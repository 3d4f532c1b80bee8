package notifier

import (
	"context"
	"time"
)

// Config controls failure notifications.
type Config struct {
	Enabled     bool
	RatePerSec  int
	DedupWindow time.Duration
}

// Message is one failed registration.
type Message struct {
	Job      string
	Error    string
	Attempts int
	At       time.Time
}

// Sender delivers a rendered notification.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}
