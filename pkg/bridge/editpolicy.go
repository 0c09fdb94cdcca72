// Copyright 2024-2026 Aiku AI

package bridge

import "time"

// editTime converts a Mattermost edit_at value to an optional instant.
// Zero means the post was never edited.
func editTime(editAtMillis int64) *time.Time {
	if editAtMillis <= 0 {
		return nil
	}
	t := time.UnixMilli(editAtMillis)
	return &t
}

// editUnchanged reports whether an incoming edit time is the one already
// bridged. Instants are compared at millisecond precision regardless of
// location or monotonic reading. A missing incoming time never counts as a
// new edit; a stored absence followed by a present time does.
func editUnchanged(stored, incoming *time.Time) bool {
	switch {
	case incoming == nil:
		return true
	case stored == nil:
		return false
	default:
		return stored.UnixMilli() == incoming.UnixMilli()
	}
}

// withinEditWindow reports whether a message sent at sentAt can still be
// edited in place at now. A zero window never expires.
func withinEditWindow(sentAt, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return now.Sub(sentAt) <= window
}
