// Package status reduces a build, its diffs and its reviews to the single
// status shown to users and reported to CI providers.
package status

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// Status is the aggregated build status.
type Status string

// Aggregated statuses, highest precedence first.
const (
	StatusError        Status = "error"
	StatusAborted      Status = "aborted"
	StatusExpired      Status = "expired"
	StatusPending      Status = "pending"
	StatusProgress     Status = "progress"
	StatusRejected     Status = "rejected"
	StatusAccepted     Status = "accepted"
	StatusDiffDetected Status = "diffDetected"
	StatusStable       Status = "stable"

	// StatusNoBaseline replaces stable and diffDetected on orphan builds.
	StatusNoBaseline Status = "noBaseline"
)

// Build is the part of a build the aggregator looks at.
type Build struct {
	Type            store.BuildType
	JobStatus       store.JobStatus
	CreatedAt       time.Time
	BatchCount      int
	TotalBatch      *int
	ReferenceBranch string
}

// Diff is the part of a diff the aggregator looks at.
type Diff struct {
	ID        uint
	Score     *float64
	JobStatus store.JobStatus
	Added     bool
	Removed   bool
}

// Review is a build review with its per-diff decisions.
type Review struct {
	ID         uint
	CreatedAt  time.Time
	State      store.ReviewState
	DiffStates map[uint]store.ReviewState
}

// Input is everything Aggregate needs.
type Input struct {
	Build   Build
	Diffs   []Diff
	Reviews []Review

	// Now and Expiry mark non-terminal builds as expired once they are
	// older than Expiry. A zero Expiry disables the check.
	Now    time.Time
	Expiry time.Duration
}

// Aggregate computes the status of a build.
func Aggregate(in Input) Status {
	s := aggregate(in)

	switch in.Build.Type {
	case store.BuildTypeOrphan:
		if s == StatusStable || s == StatusDiffDetected {
			return StatusNoBaseline
		}
	case store.BuildTypeReference:
		switch s {
		case StatusStable, StatusDiffDetected, StatusAccepted, StatusRejected:
			return StatusStable
		}
	case store.BuildTypeCheck, "":
	default:
		panic(fmt.Sprintf("status: unknown build type %q", in.Build.Type))
	}

	return s
}

func aggregate(in Input) Status {
	b := in.Build

	diffStatuses := mapset.NewThreadUnsafeSet[store.JobStatus]()
	for _, d := range in.Diffs {
		diffStatuses.Add(d.JobStatus)
	}

	switch b.JobStatus {
	case store.JobStatusError:
		return StatusError
	case store.JobStatusAborted:
		if diffStatuses.Contains(store.JobStatusError) {
			return StatusError
		}

		return StatusAborted
	case store.JobStatusExpired:
		if diffStatuses.Contains(store.JobStatusError) {
			return StatusError
		}

		return StatusExpired
	case store.JobStatusPending, store.JobStatusProgress:
		if diffStatuses.Contains(store.JobStatusError) {
			return StatusError
		}

		if in.Expiry > 0 && in.Now.Sub(b.CreatedAt) > in.Expiry {
			return StatusExpired
		}

		if b.JobStatus == store.JobStatusPending {
			return StatusPending
		}

		return StatusProgress
	case store.JobStatusComplete:
		if diffStatuses.Contains(store.JobStatusError) {
			return StatusError
		}

		if diffStatuses.Contains(store.JobStatusPending) || diffStatuses.Contains(store.JobStatusProgress) {
			return StatusProgress
		}
	default:
		panic(fmt.Sprintf("status: unknown job status %q", b.JobStatus))
	}

	changed := changedDiffs(b.Type, in.Diffs)
	if len(changed) == 0 {
		return StatusStable
	}

	return reviewStatus(changed, in.Reviews)
}

// Changed reports whether a diff counts as a visual change. Added and
// removed screenshots are changes only when a baseline exists.
func Changed(t store.BuildType, d Diff) bool {
	if d.Score != nil && *d.Score > 0 {
		return true
	}

	return t == store.BuildTypeCheck && (d.Added || d.Removed)
}

// Changes counts the changed diffs of a build.
func Changes(t store.BuildType, diffs []Diff) int {
	return len(changedDiffs(t, diffs))
}

func changedDiffs(t store.BuildType, diffs []Diff) []Diff {
	var out []Diff

	for _, d := range diffs {
		if Changed(t, d) {
			out = append(out, d)
		}
	}

	return out
}

// reviewStatus resolves the changed diffs against the latest review. Its
// per-diff decisions override its build-level state.
func reviewStatus(changed []Diff, reviews []Review) Status {
	if len(reviews) == 0 {
		return StatusDiffDetected
	}

	latest := slices.MaxFunc(reviews, func(a, b Review) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	approved := 0

	for _, d := range changed {
		state, ok := latest.DiffStates[d.ID]
		if !ok {
			state = latest.State
		}

		switch state {
		case store.ReviewStateRejected:
			return StatusRejected
		case store.ReviewStateApproved:
			approved++
		default:
			panic(fmt.Sprintf("status: unknown review state %q", state))
		}
	}

	if approved == len(changed) {
		return StatusAccepted
	}

	return StatusDiffDetected
}

// BuildFromStore converts a stored build.
func BuildFromStore(b *store.Build) Build {
	return Build{
		Type:            b.Type,
		JobStatus:       b.JobStatus,
		CreatedAt:       b.CreatedAt,
		BatchCount:      b.BatchCount,
		TotalBatch:      b.TotalBatch,
		ReferenceBranch: b.ReferenceBranch,
	}
}

// DiffsFromStore converts stored diffs.
func DiffsFromStore(diffs []store.ScreenshotDiff) []Diff {
	out := make([]Diff, 0, len(diffs))
	for i := range diffs {
		d := &diffs[i]
		out = append(out, Diff{
			ID:        d.ID,
			Score:     d.Score,
			JobStatus: d.JobStatus,
			Added:     d.Added(),
			Removed:   d.Removed(),
		})
	}

	return out
}

// ReviewsFromStore converts stored reviews.
func ReviewsFromStore(reviews []store.BuildReview) []Review {
	out := make([]Review, 0, len(reviews))
	for _, r := range reviews {
		review := Review{
			ID:         r.ID,
			CreatedAt:  r.CreatedAt,
			State:      r.State,
			DiffStates: make(map[uint]store.ReviewState, len(r.DiffReviews)),
		}

		for _, dr := range r.DiffReviews {
			review.DiffStates[dr.ScreenshotDiffID] = dr.State
		}

		out = append(out, review)
	}

	return out
}
