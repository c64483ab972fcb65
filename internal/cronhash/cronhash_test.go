package cronhash

import (
	"fmt"
	"hash/fnv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hashedValue(t *testing.T, jobID string, lo, hi int) int {
	t.Helper()
	h := fnv.New32a()
	_, err := h.Write([]byte(jobID))
	require.NoError(t, err)
	return int(h.Sum32())%(hi-lo+1) + lo
}

func TestTransform(t *testing.T) {
	minuteFor1234 := hashedValue(t, "1234", 0, 59)

	tests := []struct {
		name      string
		expr      string
		jobID     string
		expected  string
		expectErr error
	}{
		{
			name:     "plain H in minute field",
			expr:     "H * * * *",
			jobID:    "1234",
			expected: fmt.Sprintf("%d * * * *", minuteFor1234),
		},
		{
			name:     "H with step keeps the step",
			expr:     "H/15 * * * *",
			jobID:    "1234",
			expected: fmt.Sprintf("%d/15 * * * *", minuteFor1234),
		},
		{
			name:     "explicit range",
			expr:     "H(0-5) * * * *",
			jobID:    "1234",
			expected: fmt.Sprintf("%d * * * *", hashedValue(t, "1234", 0, 5)),
		},
		{
			name:     "no placeholder passes through",
			expr:     "5 4 * * 2",
			jobID:    "1234",
			expected: "5 4 * * 2",
		},
		{
			name:     "H in every field",
			expr:     "H H H H H",
			jobID:    "42",
			expected: fmt.Sprintf("%d %d %d %d %d", hashedValue(t, "42", 0, 59), hashedValue(t, "42", 0, 23), hashedValue(t, "42", 1, 28), hashedValue(t, "42", 1, 12), hashedValue(t, "42", 0, 6)),
		},
		{
			name:      "four fields is malformed",
			expr:      "H * * *",
			jobID:     "1234",
			expectErr: ErrMalformedCron,
		},
		{
			name:      "six fields is malformed",
			expr:      "H * * * * *",
			jobID:     "1234",
			expectErr: ErrMalformedCron,
		},
		{
			name:      "range above the field ceiling",
			expr:      "H(0-70) * * * *",
			jobID:     "1234",
			expectErr: ErrInvalidRange,
		},
		{
			name:      "dom range above 28",
			expr:      "* * H(1-31) * *",
			jobID:     "1234",
			expectErr: ErrInvalidRange,
		},
		{
			name:      "inverted range",
			expr:      "H(10-5) * * * *",
			jobID:     "1234",
			expectErr: ErrInvalidRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transform(tt.expr, tt.jobID)
			if tt.expectErr != nil {
				require.ErrorIs(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestTransform_Deterministic(t *testing.T) {
	first, err := Transform("H H * * *", "some-job")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := Transform("H H * * *", "some-job")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestTransform_DifferentJobsSpread(t *testing.T) {
	a, err := Transform("H * * * *", "1234")
	require.NoError(t, err)
	b, err := Transform("H * * * *", "1235")
	require.NoError(t, err)
	// not guaranteed distinct for every pair, but these two differ
	require.NotEqual(t, a, b)
}

func TestNext(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	minute := hashedValue(t, "1234", 0, 59)
	next, err := Next("H * * * *", "1234", from)
	require.NoError(t, err)
	require.True(t, next.After(from))
	require.Equal(t, minute, next.Minute())

	// strictly after from even when from sits on the firing minute
	onFiring := time.Date(2024, 1, 1, 10, minute, 0, 0, time.UTC)
	next, err = Next("H * * * *", "1234", onFiring)
	require.NoError(t, err)
	require.True(t, next.After(onFiring))

	_, err = Next("bogus", "1234", from)
	require.ErrorIs(t, err, ErrMalformedCron)
}
