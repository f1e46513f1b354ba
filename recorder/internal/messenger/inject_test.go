package messenger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/steprec/recorder/internal/message"
)

var fastPolicy = InjectPolicy{Poll: 5 * time.Millisecond, Retries: 10}

func pagePong(context.Context, message.Request) (message.Response, error) {
	return message.Pong{ContextID: "page"}, nil
}

func TestEnsureInjected_Present(t *testing.T) {
	b := NewBus(nil)
	b.RegisterPage("tab-1", HandlerFunc(pagePong))
	var injected atomic.Int32

	out, err := EnsureInjected(context.Background(), New(b.PageTransport("tab-1"), Config{}),
		InjectorFunc(func(context.Context) error { injected.Add(1); return nil }), fastPolicy, nil)

	require.NoError(t, err)
	assert.Equal(t, Present, out)
	assert.Zero(t, injected.Load())
}

func TestEnsureInjected_Verified(t *testing.T) {
	b := NewBus(nil)
	inj := InjectorFunc(func(context.Context) error {
		go func() {
			time.Sleep(12 * time.Millisecond)
			b.RegisterPage("tab-1", HandlerFunc(pagePong))
		}()
		return nil
	})

	out, err := EnsureInjected(context.Background(), New(b.PageTransport("tab-1"), Config{}), inj, fastPolicy, nil)

	require.NoError(t, err)
	assert.Equal(t, Verified, out)
}

func TestEnsureInjected_Unverified(t *testing.T) {
	b := NewBus(nil)
	var injected atomic.Int32

	start := time.Now()
	out, err := EnsureInjected(context.Background(), New(b.PageTransport("tab-1"), Config{}),
		InjectorFunc(func(context.Context) error { injected.Add(1); return nil }), fastPolicy, nil)

	require.NoError(t, err)
	assert.Equal(t, Unverified, out)
	assert.EqualValues(t, 1, injected.Load())
	assert.GreaterOrEqual(t, time.Since(start), fastPolicy.Poll*time.Duration(fastPolicy.Retries))
}

func TestEnsureInjected_InjectFails(t *testing.T) {
	b := NewBus(nil)
	boom := errors.New("cannot access contents of the page")

	_, err := EnsureInjected(context.Background(), New(b.PageTransport("tab-1"), Config{}),
		InjectorFunc(func(context.Context) error { return boom }), fastPolicy, nil)

	assert.ErrorIs(t, err, boom)
}

func TestEnsureInjected_Canceled(t *testing.T) {
	b := NewBus(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Millisecond)
	defer cancel()

	_, err := EnsureInjected(ctx, New(b.PageTransport("tab-1"), Config{}),
		InjectorFunc(func(context.Context) error { return nil }), InjectPolicy{Poll: 50 * time.Millisecond, Retries: 10}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
