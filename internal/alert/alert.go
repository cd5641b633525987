// Package alert turns confirmed violations into Alerts, delivers them through
// a notification Channel, and records them in a bounded in-memory History.
package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tripwire/fim/internal/event"
)

// ErrNotificationFailure wraps any error returned by a Channel. A delivery
// failure is logged and reported in Result; it never stops an alert from
// being recorded.
var ErrNotificationFailure = errors.New("notification delivery failed")

// Category is the kind of violation an Alert reports.
type Category string

const (
	CategoryModified Category = "MODIFIED"
	CategoryCreated  Category = "CREATED"
	CategoryDeleted  Category = "DELETED"
)

// CategoryOf maps an event kind to its alert category.
func CategoryOf(k event.Kind) Category {
	return Category(k.String())
}

// Title is the short human label used in log lines, email subjects and the
// dashboard.
func (c Category) Title() string {
	switch c {
	case CategoryModified:
		return "File Modified"
	case CategoryCreated:
		return "New File Detected"
	case CategoryDeleted:
		return "File Deleted"
	default:
		return "Integrity Change"
	}
}

// Details is the fixed description attached to every alert of this
// category.
func (c Category) Details() string {
	switch c {
	case CategoryModified:
		return "unauthorized content modification"
	case CategoryCreated:
		return "unauthorized file added"
	case CategoryDeleted:
		return "unauthorized removal"
	default:
		return "security-relevant change"
	}
}

// Class is the lower-case CSS class used to colour the alert on the
// dashboard.
func (c Category) Class() string {
	return strings.ToLower(string(c))
}

// Alert is an immutable record of one confirmed violation.
type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	// FileName is the base name of FullPath.
	FileName string `json:"file_name"`
	// FullPath is the path as reported by the watch source.
	FullPath string `json:"full_path"`
	// RelPath is the baseline key of the file.
	RelPath string `json:"rel_path"`
	Details string `json:"details"`
}

// Title returns the category title.
func (a Alert) Title() string { return a.Category.Title() }

// Channel delivers alerts to an operator. Send must honour ctx and must not
// panic; a non-nil error means the alert was not delivered.
type Channel interface {
	Send(ctx context.Context, a Alert) error
}

// ChannelFunc adapts a plain function to the Channel interface.
type ChannelFunc func(ctx context.Context, a Alert) error

// Send calls f(ctx, a).
func (f ChannelFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

// Discard is a Channel that accepts and drops every alert.
var Discard Channel = ChannelFunc(func(context.Context, Alert) error { return nil })
