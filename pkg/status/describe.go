package status

import (
	"fmt"
	"strings"

	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// Describe returns the explanation shown next to a build. It depends only
// on the build, its aggregated status and its screenshot count.
func Describe(b Build, s Status, screenshotCount int) string {
	switch s {
	case StatusExpired:
		if b.TotalBatch != nil && b.BatchCount < *b.TotalBatch {
			return fmt.Sprintf(
				"The build was aborted because it took too long to receive all the batches. "+
					"Received %d/%d batches, check the parallel total of your upload.",
				b.BatchCount, *b.TotalBatch,
			)
		}

		return "Build has been killed because it took too much time."
	case StatusError:
		return "The build has failed to be processed."
	case StatusAborted:
		return "This build has been voluntarily aborted."
	case StatusPending, StatusProgress:
		return "This build is in progress."
	case StatusNoBaseline:
		return fmt.Sprintf(
			"Comparing screenshot is not possible because no reference build was found. "+
				"Make sure that you have an Argos build on the %q branch and that your pull-request is rebased on it.",
			b.ReferenceBranch,
		)
	case StatusStable:
		if b.Type == store.BuildTypeReference {
			return "This build was performed on the reference branch. " +
				"Screenshots will be used as a comparison baseline in next Argos builds."
		}

		if screenshotCount == 0 {
			return "No screenshot has been uploaded. " +
				"Be sure to specify a directory containing images in your upload script."
		}

		return "This build is stable: no screenshot change detected."
	case StatusDiffDetected:
		return "Some differences have been detected between baseline branch and head."
	case StatusAccepted:
		return "Changes have been accepted by a user."
	case StatusRejected:
		return "Changes have been rejected by a user."
	default:
		panic(fmt.Sprintf("status: unknown status %q", s))
	}
}

// Kind is the notification sent to CI providers for a status.
type Kind string

// Notification kinds.
const (
	KindQueued         Kind = "queued"
	KindProgress       Kind = "progress"
	KindNoDiffDetected Kind = "no-diff-detected"
	KindDiffDetected   Kind = "diff-detected"
	KindDiffAccepted   Kind = "diff-accepted"
	KindDiffRejected   Kind = "diff-rejected"
	KindError          Kind = "error"
)

// NotificationKind maps an aggregated status to a notification kind.
func NotificationKind(s Status) Kind {
	switch s {
	case StatusPending:
		return KindQueued
	case StatusProgress:
		return KindProgress
	case StatusStable, StatusNoBaseline:
		return KindNoDiffDetected
	case StatusDiffDetected:
		return KindDiffDetected
	case StatusAccepted:
		return KindDiffAccepted
	case StatusRejected:
		return KindDiffRejected
	case StatusError, StatusAborted, StatusExpired:
		return KindError
	default:
		panic(fmt.Sprintf("status: unknown status %q", s))
	}
}

// CheckState is a commit status state.
type CheckState string

// Commit status states.
const (
	CheckPending CheckState = "pending"
	CheckSuccess CheckState = "success"
	CheckError   CheckState = "error"
	CheckFailure CheckState = "failure"
)

// CheckStateFor maps a notification kind to a commit status state.
// Differences on a reference build are the new baseline, not a failure.
func CheckStateFor(k Kind, t store.BuildType) CheckState {
	switch k {
	case KindQueued, KindProgress:
		return CheckPending
	case KindNoDiffDetected, KindDiffAccepted:
		return CheckSuccess
	case KindDiffDetected:
		if t == store.BuildTypeReference {
			return CheckSuccess
		}

		return CheckFailure
	case KindDiffRejected:
		return CheckFailure
	case KindError:
		return CheckError
	default:
		panic(fmt.Sprintf("status: unknown notification kind %q", k))
	}
}

// Stats counts the diffs of a build by outcome.
type Stats struct {
	Changed   int `json:"changed"`
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// StatsOf counts diffs.
func StatsOf(diffs []Diff) Stats {
	var st Stats

	for _, d := range diffs {
		st.Total++

		switch {
		case d.JobStatus == store.JobStatusError:
			st.Failed++
		case d.Added:
			st.Added++
		case d.Removed:
			st.Removed++
		case d.Score != nil && *d.Score > 0:
			st.Changed++
		default:
			st.Unchanged++
		}
	}

	return st
}

// Message renders the non-zero counters, e.g. "2 changed, 1 added".
func (st Stats) Message() string {
	var parts []string

	for _, c := range []struct {
		n     int
		label string
	}{
		{st.Changed, "changed"},
		{st.Added, "added"},
		{st.Removed, "removed"},
		{st.Failed, "failed"},
	} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}

	return strings.Join(parts, ", ")
}

// Description is the one-line commit status description.
func Description(k Kind, t store.BuildType, st Stats) string {
	msg := st.Message()
	ref := t == store.BuildTypeReference

	switch k {
	case KindQueued:
		return "Build is queued"
	case KindProgress:
		return "Build in progress..."
	case KindNoDiffDetected:
		switch {
		case msg == "" && ref:
			return "Used as new baseline"
		case msg == "":
			return "Everything's good!"
		case ref:
			return msg + ", used as new baseline"
		default:
			return msg + ", no change"
		}
	case KindDiffDetected:
		if ref {
			return msg + ", used as new baseline"
		}

		return msg + ", waiting for your decision"
	case KindDiffAccepted:
		return msg + ", changes approved"
	case KindDiffRejected:
		return msg + ", changes rejected"
	case KindError:
		return "Build failed"
	default:
		panic(fmt.Sprintf("status: unknown notification kind %q", k))
	}
}

// CheckContext names the commit status of a build.
func CheckContext(buildName string) string {
	if buildName == "" || buildName == store.DefaultBuildName {
		return "argos"
	}

	return "argos/" + buildName
}
