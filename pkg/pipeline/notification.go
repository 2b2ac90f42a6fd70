package pipeline

import (
	"context"
	"fmt"

	"github.com/argos-ci/argos-pipeline/pkg/notify"
	"github.com/argos-ci/argos-pipeline/pkg/status"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

// DeliverNotification sends a recorded notification. A notification
// already sent is skipped.
func (p *Pipeline) DeliverNotification(ctx context.Context, notificationID uint) error {
	n, err := p.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}

	if n.Delivery == store.DeliverySent {
		return nil
	}

	ev, err := p.event(ctx, n)
	if err != nil {
		return err
	}

	if err := p.notifier.Notify(ctx, ev); err != nil {
		return fmt.Errorf("delivering notification %d: %w", notificationID, err)
	}

	return p.store.MarkNotificationDelivery(ctx, notificationID, store.DeliverySent, p.now())
}

// OnNotificationExhausted records that a notification could not be
// delivered.
func (p *Pipeline) OnNotificationExhausted(ctx context.Context, notificationID uint, cause error) error {
	p.log.WithField("notification_id", notificationID).
		WithError(cause).
		Warn("Notification delivery abandoned")

	return p.store.MarkNotificationDelivery(ctx, notificationID, store.DeliveryFailed, p.now())
}

func (p *Pipeline) event(ctx context.Context, n *store.BuildNotification) (notify.Event, error) {
	build, err := p.store.GetBuild(ctx, n.BuildID)
	if err != nil {
		return notify.Event{}, err
	}

	bucket, err := p.store.GetBucket(ctx, build.CompareBucketID)
	if err != nil {
		return notify.Event{}, err
	}

	diffs, err := p.store.ListDiffs(ctx, build.ID)
	if err != nil {
		return notify.Event{}, err
	}

	st := status.Status(n.Status)
	kind := status.NotificationKind(st)

	return notify.Event{
		NotificationID:   n.ID,
		BuildID:          build.ID,
		ProjectID:        build.ProjectID,
		Number:           build.Number,
		Status:           n.Status,
		StatusChangeType: n.StatusChangeType,
		Kind:             string(kind),
		CheckState:       string(status.CheckStateFor(kind, build.Type)),
		CheckContext:     status.CheckContext(build.Name),
		Description:      status.Description(kind, build.Type, status.StatsOf(status.DiffsFromStore(diffs))),
		Metadata: map[string]string{
			"commit": bucket.Commit,
			"branch": bucket.Branch,
			"name":   build.Name,
		},
	}, nil
}
