package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("shell", HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))
	r.Register("http", HandlerFunc(func(context.Context, json.RawMessage) error { return nil }))

	_, ok := r.Get("shell")
	assert.True(t, ok)
	_, ok = r.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"http", "shell"}, r.Names())
}

func TestTryGoNeverBlocks(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	block := func() { <-release }

	assert.True(t, p.TryGo(block))
	assert.True(t, p.TryGo(block))
	assert.False(t, p.Free())
	assert.False(t, p.TryGo(block))
	assert.Equal(t, 2, p.InUse())

	close(release)
	p.Wait()
	assert.True(t, p.Free())
	assert.Zero(t, p.InUse())
}

func TestGoHonoursContext(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	require.True(t, p.TryGo(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Go(ctx, func() {}), context.DeadlineExceeded)

	close(release)
	var ran atomic.Bool
	require.NoError(t, p.Go(context.Background(), func() { ran.Store(true) }))
	p.Wait()
	assert.True(t, ran.Load())
}

func TestInvoke(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		h       HandlerFunc
		timeout time.Duration
		wantErr error
	}{
		{
			name: "success",
			h:    func(context.Context, json.RawMessage) error { return nil },
		},
		{
			name:    "failure",
			h:       func(context.Context, json.RawMessage) error { return boom },
			wantErr: boom,
		},
		{
			name: "ignores context",
			h: func(context.Context, json.RawMessage) error {
				time.Sleep(time.Second)
				return nil
			},
			timeout: 20 * time.Millisecond,
			wantErr: ErrTimeout,
		},
		{
			name: "honours context",
			h: func(ctx context.Context, _ json.RawMessage) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeout: 20 * time.Millisecond,
			wantErr: ErrTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Invoke(context.Background(), tt.h, nil, tt.timeout)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInvokeRecoversPanics(t *testing.T) {
	err := Invoke(context.Background(), HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("kaboom")
	}), nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvokePassesPayload(t *testing.T) {
	var got string
	err := Invoke(context.Background(), HandlerFunc(func(_ context.Context, p json.RawMessage) error {
		got = string(p)
		return nil
	}), json.RawMessage(`{"a":1}`), 0)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)
}
