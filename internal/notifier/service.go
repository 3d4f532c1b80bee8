package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notebookrunner/internal/eventbus"
	"notebookrunner/internal/task/engine"
	logx "notebookrunner/pkg/logx"
)

// Service formats and sends failure notifications. It is safe for
// concurrent use.
type Service struct {
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger

	dmu   sync.Mutex
	dedup map[string]time.Time // job -> suppress until

	hmu     sync.Mutex
	history []HistoryItem
}

// New returns a notifier. When cfg.Enabled is false or sender is nil the
// service is a no-op.
func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if !cfg.Enabled {
		sender = nil
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		// burst == rate
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "notifier")),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool { return s != nil && s.sender != nil }

// Notify sends m unless the notifier is disabled or the same job already
// notified within the dedup window.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if !s.Enabled() {
		return nil
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}
	if !s.allow(m.Job, m.At) {
		s.log.Debug("notification suppressed", logx.String("job", m.Job))
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	text := Format(m)
	err := s.sender.Send(ctx, text)
	item := HistoryItem{At: m.At, Text: text}
	if err != nil {
		item.Err = err.Error()
		s.log.Warn("notification failed", logx.String("job", m.Job), logx.Err(err))
	}
	s.appendHistory(item)
	if err != nil {
		return fmt.Errorf("notify %s: %w", m.Job, err)
	}
	return nil
}

// Run forwards task.failed events from bus until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	if !s.Enabled() || bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TaskFailed {
				continue
			}
			ev, ok := e.Data.(engine.TaskEvent)
			if !ok {
				continue
			}
			_ = s.Notify(ctx, Message{Job: ev.Name, Error: ev.Error, Attempts: ev.Attempts, At: e.Time})
		}
	}
}

func (s *Service) allow(job string, now time.Time) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[job]; ok && now.Before(until) {
		return false
	}
	s.dedup[job] = now.Add(s.cfg.DedupWindow)
	return true
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// Format renders m as the notification text.
func Format(m Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "notebookrunner: registering %q failed", m.Job)
	if m.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", m.Attempts)
	}
	if e := strings.TrimSpace(m.Error); e != "" {
		b.WriteString("\n")
		b.WriteString(e)
	}
	return b.String()
}
