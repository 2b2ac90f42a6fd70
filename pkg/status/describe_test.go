package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

func TestDescribe(t *testing.T) {
	total := 3

	tests := []struct {
		name     string
		build    status.Build
		status   status.Status
		count    int
		contains string
	}{
		{
			name:     "expired parallel build hints at the batch count",
			build:    status.Build{BatchCount: 2, TotalBatch: &total},
			status:   status.StatusExpired,
			contains: "Received 2/3 batches",
		},
		{
			name:     "expired build",
			status:   status.StatusExpired,
			contains: "took too much time",
		},
		{
			name:     "orphan",
			build:    status.Build{Type: store.BuildTypeOrphan, ReferenceBranch: "main"},
			status:   status.StatusNoBaseline,
			contains: `"main" branch`,
		},
		{
			name:     "reference",
			build:    status.Build{Type: store.BuildTypeReference},
			status:   status.StatusStable,
			count:    4,
			contains: "reference branch",
		},
		{
			name:     "empty build",
			build:    status.Build{Type: store.BuildTypeCheck},
			status:   status.StatusStable,
			contains: "No screenshot has been uploaded",
		},
		{
			name:     "stable build",
			build:    status.Build{Type: store.BuildTypeCheck},
			status:   status.StatusStable,
			count:    4,
			contains: "no screenshot change detected",
		},
		{
			name:     "diff detected",
			status:   status.StatusDiffDetected,
			contains: "differences have been detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, status.Describe(tt.build, tt.status, tt.count), tt.contains)
		})
	}
}

func TestNotificationKindAndCheckState(t *testing.T) {
	tests := []struct {
		status    status.Status
		buildType store.BuildType
		kind      status.Kind
		state     status.CheckState
	}{
		{status.StatusPending, store.BuildTypeCheck, status.KindQueued, status.CheckPending},
		{status.StatusProgress, store.BuildTypeCheck, status.KindProgress, status.CheckPending},
		{status.StatusStable, store.BuildTypeCheck, status.KindNoDiffDetected, status.CheckSuccess},
		{status.StatusNoBaseline, store.BuildTypeOrphan, status.KindNoDiffDetected, status.CheckSuccess},
		{status.StatusDiffDetected, store.BuildTypeCheck, status.KindDiffDetected, status.CheckFailure},
		{status.StatusDiffDetected, store.BuildTypeReference, status.KindDiffDetected, status.CheckSuccess},
		{status.StatusAccepted, store.BuildTypeCheck, status.KindDiffAccepted, status.CheckSuccess},
		{status.StatusRejected, store.BuildTypeCheck, status.KindDiffRejected, status.CheckFailure},
		{status.StatusError, store.BuildTypeCheck, status.KindError, status.CheckError},
		{status.StatusAborted, store.BuildTypeCheck, status.KindError, status.CheckError},
		{status.StatusExpired, store.BuildTypeCheck, status.KindError, status.CheckError},
	}

	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+string(tt.buildType), func(t *testing.T) {
			kind := status.NotificationKind(tt.status)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.state, status.CheckStateFor(kind, tt.buildType))
		})
	}
}

func TestDescription(t *testing.T) {
	st := status.Stats{Changed: 2, Added: 1}

	assert.Equal(t, "2 changed, 1 added", st.Message())
	assert.Equal(t, "Everything's good!", status.Description(status.KindNoDiffDetected, store.BuildTypeCheck, status.Stats{}))
	assert.Equal(t, "Used as new baseline", status.Description(status.KindNoDiffDetected, store.BuildTypeReference, status.Stats{}))
	assert.Equal(t, "2 changed, 1 added, waiting for your decision",
		status.Description(status.KindDiffDetected, store.BuildTypeCheck, st))
	assert.Equal(t, "Build is queued", status.Description(status.KindQueued, store.BuildTypeCheck, st))
}

func TestStatsOf(t *testing.T) {
	s := 0.4
	zero := 0.0

	st := status.StatsOf([]status.Diff{
		{Score: &s, JobStatus: store.JobStatusComplete},
		{Score: &zero, JobStatus: store.JobStatusComplete},
		{JobStatus: store.JobStatusComplete, Added: true},
		{JobStatus: store.JobStatusComplete, Removed: true},
		{JobStatus: store.JobStatusError},
	})

	assert.Equal(t, status.Stats{Changed: 1, Added: 1, Removed: 1, Unchanged: 1, Failed: 1, Total: 5}, st)
}

func TestCheckContext(t *testing.T) {
	assert.Equal(t, "argos", status.CheckContext("default"))
	assert.Equal(t, "argos", status.CheckContext(""))
	assert.Equal(t, "argos/mobile", status.CheckContext("mobile"))
}
