package oxia

import (
	"context"
	"sync"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/tubesync/tubesync/internal/metadata"
)

// notificationStream adapts the client's notification channel. It ends
// when either the subscribing context or the stream is closed.
type notificationStream struct {
	src  oxiaclient.Notifications
	subs context.Context

	closeOnce sync.Once
	closeErr  error
}

func (s *notificationStream) Next(ctx context.Context) (metadata.Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return metadata.Notification{}, ctx.Err()
		case <-s.subs.Done():
			return metadata.Notification{}, s.subs.Err()
		case n, ok := <-s.src.Ch():
			if !ok {
				return metadata.Notification{}, metadata.ErrStoreClosed
			}
			if n == nil {
				continue
			}
			return convertNotification(n), nil
		}
	}
}

func (s *notificationStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.src.Close() })
	return s.closeErr
}

// convertNotification maps a range deletion onto its start key; callers
// only use the key to decide whether to re-read a prefix.
func convertNotification(n *oxiaclient.Notification) metadata.Notification {
	out := metadata.Notification{Key: n.Key, Version: toMetadataVersion(n.VersionId)}
	switch n.Type {
	case oxiaclient.KeyDeleted, oxiaclient.KeyRangeRangeDeleted:
		out.Deleted = true
	}
	return out
}
