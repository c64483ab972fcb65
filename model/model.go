package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// BuildConfig is the payload for an immediate build. Fields without a typed
// member here (template data, provider settings and the like) ride along in
// Extra and survive storage round-trips.
type BuildConfig struct {
	BuildID       int64          `json:"buildId"`
	JobID         int64          `json:"jobId"`
	BlockedBy     []int64        `json:"blockedBy,omitempty"`
	FreezeWindows []string       `json:"freezeWindows,omitempty"`
	JobState      string         `json:"jobState,omitempty"`
	JobArchived   bool           `json:"jobArchived,omitempty"`
	CauseMessage  string         `json:"causeMessage,omitempty"`
	Container     string         `json:"container,omitempty"`
	Token         string         `json:"token,omitempty"`
	APIURI        string         `json:"apiUri,omitempty"`
	PipelineID    int64          `json:"pipelineId,omitempty"`
	JobName       string         `json:"jobName,omitempty"`
	EnqueueTime   time.Time      `json:"enqueueTime,omitzero"`
	Annotations   map[string]any `json:"annotations,omitempty"`
	Build         *Build         `json:"build,omitempty"`

	Extra map[string]any `json:"-"`
}

// Build carries the subset of the build record the broker touches.
type Build struct {
	Stats map[string]any `json:"stats,omitempty"`
}

var buildConfigKeys = []string{
	"buildId", "jobId", "blockedBy", "freezeWindows", "jobState",
	"jobArchived", "causeMessage", "container", "token", "apiUri",
	"pipelineId", "jobName", "enqueueTime", "annotations", "build",
}

func (c BuildConfig) MarshalJSON() ([]byte, error) {
	type alias BuildConfig
	base, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := m[k]; !known {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

func (c *BuildConfig) UnmarshalJSON(b []byte) error {
	type alias BuildConfig
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for _, k := range buildConfigKeys {
		delete(m, k)
	}
	if len(m) > 0 {
		a.Extra = m
	}
	*c = BuildConfig(a)
	return nil
}

// StopConfig identifies a build whose stop was requested.
type StopConfig struct {
	BuildID   int64   `json:"buildId"`
	JobID     int64   `json:"jobId"`
	BlockedBy []int64 `json:"blockedBy,omitempty"`
}

// PeriodicConfig is the definition of a periodically triggered job.
type PeriodicConfig struct {
	Pipeline     Pipeline `json:"pipeline"`
	Job          Job      `json:"job"`
	APIURI       string   `json:"apiUri,omitempty"`
	IsUpdate     bool     `json:"isUpdate,omitempty"`
	TriggerBuild bool     `json:"triggerBuild,omitempty"`
}

type Pipeline struct {
	ID int64 `json:"id"`
}

type Job struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	State        string        `json:"state,omitempty"`
	Archived     bool          `json:"archived,omitempty"`
	Permutations []Permutation `json:"permutations,omitempty"`
}

type Permutation struct {
	Annotations map[string]any `json:"annotations,omitempty"`
}

// BuildCron returns the job's periodic-build cron annotation, empty when the
// job is not periodic.
func (j Job) BuildCron() string {
	if len(j.Permutations) == 0 {
		return ""
	}
	v, ok := j.Permutations[0].Annotations[AnnotationBuildPeriodically]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// TimerConfig is the payload for build-timeout bookkeeping.
type TimerConfig struct {
	BuildID     int64          `json:"buildId"`
	JobID       int64          `json:"jobId"`
	BuildStatus string         `json:"buildStatus,omitempty"`
	StartTime   string         `json:"startTime,omitempty"`
	PipelineID  int64          `json:"pipelineId,omitempty"`
	APIURI      string         `json:"apiUri,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// TimeoutEntry is the stored record of a running build's max runtime.
type TimeoutEntry struct {
	JobID      int64  `json:"jobId"`
	StartTime  string `json:"startTime"`
	Timeout    int    `json:"timeout"`
	PipelineID int64  `json:"pipelineId,omitempty"`
	APIURI     string `json:"apiUri,omitempty"`
}

const (
	AnnotationBuildPeriodically = "screwdriver.cd/buildPeriodically"
	AnnotationTimeout           = "screwdriver.cd/timeout"

	DefaultTimeoutMinutes = 90
)

// Timeout resolves the declared timeout in minutes, falling back to the
// default. The annotation arrives as a JSON number or a numeric string.
func (t TimerConfig) Timeout() int {
	v, ok := t.Annotations[AnnotationTimeout]
	if !ok {
		return DefaultTimeoutMinutes
	}
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int(n)
		}
	case int:
		if n > 0 {
			return n
		}
	case string:
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			return parsed
		}
	}
	return DefaultTimeoutMinutes
}

// CSV renders a blocked-by list the way workers expect it on queue items.
func CSV(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// StartArgs is the positional argument of a queued start item.
type StartArgs struct {
	BuildID   int64  `json:"buildId"`
	JobID     int64  `json:"jobId"`
	BlockedBy string `json:"blockedBy"`
}

// StopArgs is the positional argument of a queued stop item. Started tells
// the worker whether the build already left the queue before the stop.
type StopArgs struct {
	BuildID   int64  `json:"buildId"`
	JobID     int64  `json:"jobId"`
	BlockedBy string `json:"blockedBy"`
	Started   bool   `json:"started"`
}

// JobArgs is the positional argument of delayed periodic and frozen items.
type JobArgs struct {
	JobID int64 `json:"jobId"`
}
