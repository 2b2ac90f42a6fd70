// Package reconcile pairs the screenshots of a baseline bucket with the
// screenshots of a compare bucket by logical name.
package reconcile

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// ErrDuplicateName is returned when a bucket holds two screenshots with the
// same name.
var ErrDuplicateName = errors.New("duplicate screenshot name")

// failureName matches screenshots taken by test runners on a failed test.
// They are never compared against a baseline.
var failureName = regexp.MustCompile(` \(failed\)\.|-failed-`)

// Screenshot is the part of a screenshot the reconciler looks at.
type Screenshot struct {
	ID      uint
	Name    string
	FileKey *string
}

// Bucket is a set of screenshots.
type Bucket struct {
	ID          uint
	Screenshots []Screenshot
}

// Kind classifies a pairing.
type Kind int

// Pairing kinds.
const (
	KindChanged Kind = iota
	KindUnchanged
	KindAdded
	KindRemoved
)

func (k Kind) String() string {
	switch k {
	case KindChanged:
		return "changed"
	case KindUnchanged:
		return "unchanged"
	case KindAdded:
		return "added"
	case KindRemoved:
		return "removed"
	default:
		panic(fmt.Sprintf("reconcile: unknown kind %d", int(k)))
	}
}

// Pairing is one diff to create. At most one of Base and Compare is nil.
type Pairing struct {
	Name      string
	Kind      Kind
	Base      *Screenshot
	Compare   *Screenshot
	Score     *float64
	JobStatus store.JobStatus
}

// Diff returns the diff row for the pairing.
func (p Pairing) Diff(buildID uint) store.ScreenshotDiff {
	d := store.ScreenshotDiff{
		BuildID:   buildID,
		Name:      p.Name,
		Score:     p.Score,
		JobStatus: p.JobStatus,
	}

	if p.Base != nil {
		id := p.Base.ID
		d.BaseScreenshotID = &id
	}

	if p.Compare != nil {
		id := p.Compare.ID
		d.CompareScreenshotID = &id
	}

	return d
}

// Reconcile pairs base against compare. A nil base means no baseline
// exists: every compare screenshot is added and nothing is removed.
//
// Pairings follow compare order by name, then removed screenshots by name.
func Reconcile(base *Bucket, compare Bucket) ([]Pairing, error) {
	compareByName, err := index(compare)
	if err != nil {
		return nil, fmt.Errorf("compare bucket %d: %w", compare.ID, err)
	}

	baseByName := map[string]Screenshot{}

	// A bucket is never its own baseline.
	if base != nil && base.ID != compare.ID {
		if baseByName, err = index(*base); err != nil {
			return nil, fmt.Errorf("base bucket %d: %w", base.ID, err)
		}
	}

	compareNames := mapset.NewThreadUnsafeSetWithSize[string](len(compareByName))
	for name := range compareByName {
		compareNames.Add(name)
	}

	baseNames := mapset.NewThreadUnsafeSetWithSize[string](len(baseByName))
	for name := range baseByName {
		baseNames.Add(name)
	}

	pairings := make([]Pairing, 0, compareNames.Union(baseNames).Cardinality())

	for _, name := range sorted(compareNames) {
		cmp := compareByName[name]

		if !baseNames.Contains(name) || failureName.MatchString(name) {
			pairings = append(pairings, Pairing{
				Name:      name,
				Kind:      KindAdded,
				Compare:   &cmp,
				JobStatus: store.JobStatusComplete,
			})

			continue
		}

		b := baseByName[name]

		if sameFile(b, cmp) {
			zero := 0.0
			pairings = append(pairings, Pairing{
				Name:      name,
				Kind:      KindUnchanged,
				Base:      &b,
				Compare:   &cmp,
				Score:     &zero,
				JobStatus: store.JobStatusComplete,
			})

			continue
		}

		pairings = append(pairings, Pairing{
			Name:      name,
			Kind:      KindChanged,
			Base:      &b,
			Compare:   &cmp,
			JobStatus: store.JobStatusPending,
		})
	}

	for _, name := range sorted(baseNames.Difference(compareNames)) {
		b := baseByName[name]
		pairings = append(pairings, Pairing{
			Name:      name,
			Kind:      KindRemoved,
			Base:      &b,
			JobStatus: store.JobStatusComplete,
		})
	}

	return pairings, nil
}

// BuildType decides how a build is compared. A build on the reference
// branch defines the baseline; any other build without a baseline is an
// orphan.
func BuildType(compareBranch, referenceBranch string, hasBase bool) store.BuildType {
	switch {
	case compareBranch == referenceBranch:
		return store.BuildTypeReference
	case !hasBase:
		return store.BuildTypeOrphan
	default:
		return store.BuildTypeCheck
	}
}

func index(b Bucket) (map[string]Screenshot, error) {
	out := make(map[string]Screenshot, len(b.Screenshots))

	for _, s := range b.Screenshots {
		if _, ok := out[s.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, s.Name)
		}

		out[s.Name] = s
	}

	return out, nil
}

func sameFile(a, b Screenshot) bool {
	return a.FileKey != nil && b.FileKey != nil && *a.FileKey == *b.FileKey
}

func sorted(s mapset.Set[string]) []string {
	names := s.ToSlice()
	slices.Sort(names)

	return names
}

// FromStore converts stored screenshots.
func FromStore(bucketID uint, screenshots []store.Screenshot) Bucket {
	b := Bucket{ID: bucketID, Screenshots: make([]Screenshot, 0, len(screenshots))}
	for _, s := range screenshots {
		b.Screenshots = append(b.Screenshots, Screenshot{ID: s.ID, Name: s.Name, FileKey: s.FileKey})
	}

	return b
}
