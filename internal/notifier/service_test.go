package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebookrunner/internal/eventbus"
	"notebookrunner/internal/task/engine"
	logx "notebookrunner/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	err   error
	sent  chan string
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	if r.sent != nil {
		r.sent <- text
	}
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{}
	s := New(Config{Enabled: false}, snd, logx.Nop())
	assert.False(t, s.Enabled())
	require.NoError(t, s.Notify(context.Background(), Message{Job: "weekly", Error: "boom"}))
	assert.Zero(t, snd.count())

	assert.False(t, New(Config{Enabled: true}, nil, logx.Nop()).Enabled())
}

func TestNotifyFormatsAndDedups(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour}, snd, logx.Nop())

	now := time.Now()
	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, Message{Job: "weekly", Error: "422 invalid schedule", Attempts: 1, At: now}))
	require.NoError(t, s.Notify(ctx, Message{Job: "weekly", Error: "again", At: now.Add(time.Minute)}))
	require.NoError(t, s.Notify(ctx, Message{Job: "daily", Error: "503", Attempts: 4, At: now}))

	require.Equal(t, 2, snd.count())
	assert.Equal(t, "notebookrunner: registering \"weekly\" failed\n422 invalid schedule", snd.texts[0])
	assert.Equal(t, "notebookrunner: registering \"daily\" failed after 4 attempts\n503", snd.texts[1])

	require.NoError(t, s.Notify(ctx, Message{Job: "weekly", Error: "later", At: now.Add(2 * time.Hour)}))
	assert.Equal(t, 3, snd.count())
	assert.Len(t, s.History(), 3)
}

func TestNotifySenderError(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{err: errors.New("chat not found")}
	s := New(Config{Enabled: true}, snd, logx.Nop())
	err := s.Notify(context.Background(), Message{Job: "weekly"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, "chat not found", h[0].Err)
}

func TestNotifyRespectsRateLimitContext(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{}
	s := New(Config{Enabled: true, RatePerSec: 1}, snd, logx.Nop())

	require.NoError(t, s.Notify(context.Background(), Message{Job: "a"}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Notify(ctx, Message{Job: "b"})
	require.Error(t, err)
	assert.Equal(t, 1, snd.count())
}

func TestRunForwardsFailedEvents(t *testing.T) {
	t.Parallel()
	snd := &recordingSender{sent: make(chan string, 64)}
	s := New(Config{Enabled: true, RatePerSec: 100}, snd, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, bus)
	}()

	// Publish until the subscription is live; earlier events are dropped.
	deadline := time.After(5 * time.Second)
	var got string
loop:
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "ok"}})
		bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "weekly", Error: "boom", Attempts: 2}})
		select {
		case got = <-snd.sent:
			break loop
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no notification sent")
		}
	}
	cancel()
	<-done
	assert.True(t, strings.Contains(got, `"weekly" failed after 2 attempts`), got)
}

func TestTelegramSendsToChatAndThread(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-1001,"type":"supergroup"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: -1001, ThreadID: 9, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), "hello"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-1001", fmt.Sprint(body["chat_id"]))
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, "9", fmt.Sprint(body["message_thread_id"]))
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "x"})
	assert.Error(t, err)
}
