package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsMergeDoesNotMutate(t *testing.T) {
	base := Args{"a": 1, "b": "x"}
	merged := base.Merge(Args{"b": "y", "c": true})

	assert.Equal(t, Args{"a": 1, "b": "y", "c": true}, merged)
	assert.Equal(t, "x", base["b"])
}

func TestArgsCloneNil(t *testing.T) {
	var a Args
	assert.Nil(t, a.Clone())
}

func TestArgsSurviveJSONRoundTrip(t *testing.T) {
	fire := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	a := Args{
		"count":      42,
		"name":       "orders",
		"dryRun":     true,
		"window":     "90s",
		ArgStartedAt: fire,
	}

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var back Args
	require.NoError(t, json.Unmarshal(raw, &back))

	n, ok := back.Int("count")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
	assert.Equal(t, "orders", back.String("name"))
	assert.True(t, back.Bool("dryRun"))

	d, ok := back.Duration("window")
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	ts, ok := back.Time(ArgStartedAt)
	assert.True(t, ok)
	assert.True(t, fire.Equal(ts))
}

func TestArgsMissingKeys(t *testing.T) {
	a := Args{}
	_, ok := a.Int("missing")
	assert.False(t, ok)
	assert.Equal(t, 7, a.IntOr("missing", 7))
	assert.Equal(t, "", a.String("missing"))
	_, ok = a.Time("missing")
	assert.False(t, ok)
}

func TestTruncateAndMillis(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	tr := Truncate(ts)
	assert.Equal(t, 123000000, tr.Nanosecond())
	assert.True(t, tr.Equal(FromMillis(ToMillis(ts))))

	assert.True(t, Truncate(time.Time{}).IsZero())
	assert.Equal(t, int64(0), ToMillis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())
}

func TestStepRunClaimable(t *testing.T) {
	tests := []struct {
		name string
		run  StepRun
		want bool
	}{
		{"new unclaimed", StepRun{Status: StatusNew}, true},
		{"running released", StepRun{Status: StatusRunning}, true},
		{"claimed", StepRun{Status: StatusNew, Claimed: true}, false},
		{"complete", StepRun{Status: StatusComplete}, false},
		{"failed", StepRun{Status: StatusFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.run.Claimable())
		})
	}
}
