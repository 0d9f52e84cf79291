package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
)

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind TriggerKind
	}{
		{"duration", "30s", KindPeriodic},
		{"compound duration", "1m30s", KindPeriodic},
		{"once", "once", KindSingleFire},
		{"delayed once", "once:5s", KindSingleFire},
		{"five field cron", "*/5 * * * *", KindCron},
		{"six field cron", "0 */5 * * * *", KindCron},
		{"descriptor", "@hourly", KindCron},
		{"every descriptor", "@every 10m", KindCron},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, err := ParseTrigger(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, trig.Kind())
		})
	}
}

func TestParseTrigger_Invalid(t *testing.T) {
	for _, in := range []string{"", "  ", "-5s", "0s", "once:soon", "not a schedule", "61 * * * *"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseTrigger(in)
			require.Error(t, err)
			assert.Equal(t, idxerrors.ErrCodeTriggerInvalid, idxerrors.GetCode(err))
			assert.True(t, idxerrors.IsFatal(err))
		})
	}
}

func TestTrigger_Deadlines(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)

	p := Periodic(time.Minute)
	next, ok := p.first(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), next)

	c, err := Cron("*/5 * * * *")
	require.NoError(t, err)
	next, ok = c.after(now)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), next)

	once := SingleFire(time.Second)
	next, ok = once.first(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), next)
	_, ok = once.after(now)
	assert.False(t, ok)
}
