package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildConfig_RoundTripKeepsExtraFields(t *testing.T) {
	raw := []byte(`{"buildId":8609,"jobId":777,"blockedBy":[777],"container":"node:20","token":"t","apiUri":"http://api","template":{"name":"custom"},"provider":"aws"}`)

	var cfg BuildConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	require.Equal(t, int64(8609), cfg.BuildID)
	require.Equal(t, int64(777), cfg.JobID)
	require.Equal(t, "node:20", cfg.Container)
	require.Equal(t, "aws", cfg.Extra["provider"])
	require.Contains(t, cfg.Extra, "template")

	out, err := json.Marshal(cfg)
	require.NoError(t, err)

	var again BuildConfig
	require.NoError(t, json.Unmarshal(out, &again))
	require.Equal(t, cfg, again)
}

func TestBuildConfig_CanonicalEncodingIsStable(t *testing.T) {
	cfg := BuildConfig{
		BuildID:   1,
		JobID:     2,
		BlockedBy: []int64{2, 3},
		Extra:     map[string]any{"zebra": 1.0, "alpha": "x"},
	}

	first, err := json.Marshal(cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(cfg)
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
}

func TestJob_BuildCron(t *testing.T) {
	tests := []struct {
		name     string
		job      Job
		expected string
	}{
		{
			name: "annotation present",
			job: Job{Permutations: []Permutation{{
				Annotations: map[string]any{AnnotationBuildPeriodically: "H * * * *"},
			}}},
			expected: "H * * * *",
		},
		{
			name:     "no permutations",
			job:      Job{},
			expected: "",
		},
		{
			name:     "no annotation",
			job:      Job{Permutations: []Permutation{{}}},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.job.BuildCron())
		})
	}
}

func TestTimerConfig_Timeout(t *testing.T) {
	tests := []struct {
		name     string
		cfg      TimerConfig
		expected int
	}{
		{
			name:     "json number",
			cfg:      TimerConfig{Annotations: map[string]any{AnnotationTimeout: float64(120)}},
			expected: 120,
		},
		{
			name:     "numeric string",
			cfg:      TimerConfig{Annotations: map[string]any{AnnotationTimeout: "45"}},
			expected: 45,
		},
		{
			name:     "missing falls back to default",
			cfg:      TimerConfig{},
			expected: DefaultTimeoutMinutes,
		},
		{
			name:     "garbage falls back to default",
			cfg:      TimerConfig{Annotations: map[string]any{AnnotationTimeout: "soon"}},
			expected: DefaultTimeoutMinutes,
		},
		{
			name:     "non-positive falls back to default",
			cfg:      TimerConfig{Annotations: map[string]any{AnnotationTimeout: float64(0)}},
			expected: DefaultTimeoutMinutes,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.cfg.Timeout())
		})
	}
}

func TestCSV(t *testing.T) {
	require.Equal(t, "", CSV(nil))
	require.Equal(t, "777", CSV([]int64{777}))
	require.Equal(t, "1,2,3", CSV([]int64{1, 2, 3}))
}
