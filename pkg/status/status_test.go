package status_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

func score(v float64) *float64 { return &v }

func complete(id uint, s float64) status.Diff {
	return status.Diff{ID: id, Score: score(s), JobStatus: store.JobStatusComplete}
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func build(t store.BuildType, js store.JobStatus) status.Build {
	return status.Build{Type: t, JobStatus: js, CreatedAt: now.Add(-time.Minute), ReferenceBranch: "main"}
}

func TestAggregate(t *testing.T) {
	check := store.BuildTypeCheck

	tests := []struct {
		name string
		in   status.Input
		want status.Status
	}{
		{
			name: "all identical is stable",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{complete(1, 0), complete(2, 0)},
			},
			want: status.StatusStable,
		},
		{
			name: "empty build is stable",
			in:   status.Input{Build: build(check, store.JobStatusComplete)},
			want: status.StatusStable,
		},
		{
			name: "one changed diff is detected",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{complete(1, 0), complete(2, 0.3)},
			},
			want: status.StatusDiffDetected,
		},
		{
			name: "covering approval accepts",
			in: status.Input{
				Build:   build(check, store.JobStatusComplete),
				Diffs:   []status.Diff{complete(1, 0), complete(2, 0.3)},
				Reviews: []status.Review{{ID: 1, CreatedAt: now, State: store.ReviewStateApproved}},
			},
			want: status.StatusAccepted,
		},
		{
			name: "latest review wins",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{complete(2, 0.3)},
				Reviews: []status.Review{
					{ID: 2, CreatedAt: now, State: store.ReviewStateRejected},
					{ID: 1, CreatedAt: now.Add(-time.Hour), State: store.ReviewStateApproved},
				},
			},
			want: status.StatusRejected,
		},
		{
			name: "review ties broken by id",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{complete(2, 0.3)},
				Reviews: []status.Review{
					{ID: 4, CreatedAt: now, State: store.ReviewStateApproved},
					{ID: 3, CreatedAt: now, State: store.ReviewStateRejected},
				},
			},
			want: status.StatusAccepted,
		},
		{
			name: "per diff rejection overrides approval",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{complete(1, 0.1), complete(2, 0.3)},
				Reviews: []status.Review{{
					ID: 1, CreatedAt: now, State: store.ReviewStateApproved,
					DiffStates: map[uint]store.ReviewState{2: store.ReviewStateRejected},
				}},
			},
			want: status.StatusRejected,
		},
		{
			name: "added screenshot in a check build is a change",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{{ID: 1, JobStatus: store.JobStatusComplete, Added: true}},
			},
			want: status.StatusDiffDetected,
		},
		{
			name: "errored build",
			in: status.Input{
				Build: build(check, store.JobStatusError),
				Diffs: []status.Diff{complete(1, 0)},
			},
			want: status.StatusError,
		},
		{
			name: "errored diff wins over everything",
			in: status.Input{
				Build:   build(check, store.JobStatusComplete),
				Diffs:   []status.Diff{complete(1, 0.5), {ID: 2, JobStatus: store.JobStatusError}},
				Reviews: []status.Review{{ID: 1, CreatedAt: now, State: store.ReviewStateApproved}},
			},
			want: status.StatusError,
		},
		{
			name: "aborted",
			in:   status.Input{Build: build(check, store.JobStatusAborted)},
			want: status.StatusAborted,
		},
		{
			name: "expired job status",
			in:   status.Input{Build: build("", store.JobStatusExpired)},
			want: status.StatusExpired,
		},
		{
			name: "old pending build is expired",
			in: status.Input{
				Build:  status.Build{JobStatus: store.JobStatusPending, CreatedAt: now.Add(-3 * time.Hour)},
				Now:    now,
				Expiry: 2 * time.Hour,
			},
			want: status.StatusExpired,
		},
		{
			name: "young pending build",
			in: status.Input{
				Build:  status.Build{JobStatus: store.JobStatusPending, CreatedAt: now.Add(-time.Hour)},
				Now:    now,
				Expiry: 2 * time.Hour,
			},
			want: status.StatusPending,
		},
		{
			name: "progress build",
			in: status.Input{
				Build: build(check, store.JobStatusProgress),
				Diffs: []status.Diff{{ID: 1, JobStatus: store.JobStatusPending}},
			},
			want: status.StatusProgress,
		},
		{
			name: "complete build with pending diff is in progress",
			in: status.Input{
				Build: build(check, store.JobStatusComplete),
				Diffs: []status.Diff{{ID: 1, JobStatus: store.JobStatusProgress}},
			},
			want: status.StatusProgress,
		},
		{
			name: "orphan gets no baseline",
			in: status.Input{
				Build: build(store.BuildTypeOrphan, store.JobStatusComplete),
				Diffs: []status.Diff{{ID: 1, JobStatus: store.JobStatusComplete, Added: true}},
			},
			want: status.StatusNoBaseline,
		},
		{
			name: "orphan errors stay errors",
			in:   status.Input{Build: build(store.BuildTypeOrphan, store.JobStatusError)},
			want: status.StatusError,
		},
		{
			name: "reference build is stable despite changes",
			in: status.Input{
				Build: build(store.BuildTypeReference, store.JobStatusComplete),
				Diffs: []status.Diff{complete(1, 0.9)},
			},
			want: status.StatusStable,
		},
		{
			name: "reference build in progress",
			in:   status.Input{Build: build(store.BuildTypeReference, store.JobStatusProgress)},
			want: status.StatusProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Aggregate(tt.in))
		})
	}
}

func TestAggregate_SingleChangeFlipsStable(t *testing.T) {
	diffs := []status.Diff{complete(1, 0), complete(2, 0), complete(3, 0)}
	in := status.Input{Build: build(store.BuildTypeCheck, store.JobStatusComplete), Diffs: diffs}

	assert.Equal(t, status.StatusStable, status.Aggregate(in))

	in.Diffs = append(append([]status.Diff{}, diffs...), complete(4, 0.01))
	assert.Equal(t, status.StatusDiffDetected, status.Aggregate(in))

	in.Reviews = []status.Review{{ID: 1, CreatedAt: now, State: store.ReviewStateApproved}}
	assert.Equal(t, status.StatusAccepted, status.Aggregate(in))
}

func TestAggregate_UnknownValuesPanic(t *testing.T) {
	assert.Panics(t, func() {
		status.Aggregate(status.Input{Build: status.Build{JobStatus: "weird"}})
	})

	assert.Panics(t, func() {
		status.Aggregate(status.Input{Build: status.Build{Type: "weird", JobStatus: store.JobStatusComplete}})
	})

	assert.Panics(t, func() { status.NotificationKind("weird") })
	assert.Panics(t, func() { status.Describe(status.Build{}, "weird", 0) })
}

func TestChanges(t *testing.T) {
	diffs := []status.Diff{
		complete(1, 0),
		complete(2, 0.2),
		{ID: 3, JobStatus: store.JobStatusComplete, Added: true},
		{ID: 4, JobStatus: store.JobStatusComplete, Removed: true},
	}

	assert.Equal(t, 3, status.Changes(store.BuildTypeCheck, diffs))
	assert.Equal(t, 1, status.Changes(store.BuildTypeOrphan, diffs))
}

func TestFromStore(t *testing.T) {
	base, compare := uint(1), uint(2)

	diffs := status.DiffsFromStore([]store.ScreenshotDiff{
		{ID: 1, CompareScreenshotID: &compare, JobStatus: store.JobStatusComplete},
		{ID: 2, BaseScreenshotID: &base, JobStatus: store.JobStatusComplete},
	})
	assert.True(t, diffs[0].Added)
	assert.True(t, diffs[1].Removed)

	reviews := status.ReviewsFromStore([]store.BuildReview{{
		ID:    5,
		State: store.ReviewStateApproved,
		DiffReviews: []store.ScreenshotDiffReview{
			{ScreenshotDiffID: 2, State: store.ReviewStateRejected},
		},
	}})
	assert.Equal(t, store.ReviewStateRejected, reviews[0].DiffStates[2])

	total := 3
	b := status.BuildFromStore(&store.Build{Type: store.BuildTypeCheck, BatchCount: 2, TotalBatch: &total})
	assert.Equal(t, 2, b.BatchCount)
	assert.Equal(t, 3, *b.TotalBatch)
}
