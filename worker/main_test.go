package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedikit/botkit/bot"
	"github.com/fedikit/botkit/store"
	"github.com/fedikit/botkit/types"
)

func TestWorkerPublishesOnTick(t *testing.T) {
	repo := store.NewMemoryRepository()
	session := bot.NewSession(repo, nil, nil, types.BotConfig{
		FQDN:     "bot.example",
		Username: "weatherbot",
	}, bot.Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	posted := make(chan struct{})
	worker := NewWorker(session, 5*time.Millisecond, func(ctx context.Context) (string, error) {
		select {
		case posted <- struct{}{}:
			return "scheduled forecast", nil
		default:
			return "", nil
		}
	})

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never ticked")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}

	// the ticks that fired produced real timeline entries
	assert.Eventually(t, func() bool {
		count, err := repo.CountMessages(context.Background())
		return err == nil && count >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerWithoutScheduleReturnsImmediately(t *testing.T) {
	session := bot.NewSession(store.NewMemoryRepository(), nil, nil, types.BotConfig{}, bot.Hooks{})

	done := make(chan struct{})
	go func() {
		NewWorker(session, 0, nil).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a worker without a schedule must not block")
	}
}

func TestWorkerSkipsEmptySource(t *testing.T) {
	repo := store.NewMemoryRepository()
	session := bot.NewSession(repo, nil, nil, types.BotConfig{FQDN: "bot.example"}, bot.Hooks{})

	ticked := make(chan struct{}, 1)
	worker := NewWorker(session, 5*time.Millisecond, func(ctx context.Context) (string, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return "", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never ticked")
	}
	cancel()

	count, err := repo.CountMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "an empty source skips the tick without publishing")
}
