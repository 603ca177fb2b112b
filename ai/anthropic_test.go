package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/shoenig/test/must"
)

func TestSendWithRetry_EventualSuccess(t *testing.T) {
	ci.Parallel(t)

	calls := 0
	err := sendWithRetry(context.Background(), testlog.HCLogger(t), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("upstream hiccup")
		}
		return nil
	})
	must.NoError(t, err)
	must.Eq(t, 3, calls)
}

func TestSendWithRetry_ExhaustsAttempts(t *testing.T) {
	ci.Parallel(t)

	calls := 0
	failure := errors.New("persistent failure")
	err := sendWithRetry(context.Background(), testlog.HCLogger(t), func(ctx context.Context) error {
		calls++
		return failure
	})
	must.ErrorIs(t, err, failure)
	must.Eq(t, completionAttempts, calls)
}

func TestSendWithRetry_AttemptHasDeadline(t *testing.T) {
	ci.Parallel(t)

	err := sendWithRetry(context.Background(), testlog.HCLogger(t), func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		must.True(t, ok)
		must.LessEq(t, completionTimeout, time.Until(deadline))
		return nil
	})
	must.NoError(t, err)
}

func TestSendWithRetry_CallerCancelStops(t *testing.T) {
	ci.Parallel(t)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := sendWithRetry(ctx, testlog.HCLogger(t), func(context.Context) error {
		calls++
		cancel()
		return errors.New("failed while caller was leaving")
	})
	must.Error(t, err)
	must.Eq(t, 1, calls)
}
