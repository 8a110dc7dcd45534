package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/domain"
)

func TestNewTelegramSinkRequiresCredentials(t *testing.T) {
	_, err := NewTelegramSink(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "123:abc"})
	assert.Error(t, err)
}

func TestTelegramSinkDeliver(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL, RatePerSec: 5})
	require.NoError(t, err)

	name := "backup"
	n := domain.Notification{
		Category: domain.CategoryTaskFailed, Priority: domain.PriorityCritical,
		Title: "Task failed", Message: "exit status 1", TaskName: &name,
	}
	assert.True(t, sink.Accepts(n))
	assert.False(t, sink.Accepts(domain.Notification{Priority: domain.PriorityMedium}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Deliver(ctx, n))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], "/sendMessage"), paths[0])
	assert.Contains(t, bodies[0], "Task failed")
	assert.Contains(t, bodies[0], "42")
}

func TestFormatMessage(t *testing.T) {
	name := "nightly"
	msg := formatMessage(domain.Notification{Priority: domain.PriorityHigh, Title: "T", Message: "M", TaskName: &name})
	assert.Equal(t, "[HIGH] T\nM\ntask: nightly", msg)
}
