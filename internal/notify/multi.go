package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/tripwire/fim/internal/alert"
)

// Named attaches a name to a channel so Multi can say which one failed.
type Named struct {
	Name    string
	Channel alert.Channel
}

// Multi sends every alert to all of its channels, in order. A failure of one
// channel does not prevent delivery to the rest.
type Multi []Named

// Send implements alert.Channel. The error joins the failures of every
// channel that did not accept a; it is nil only if all of them did.
func (m Multi) Send(ctx context.Context, a alert.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Channel.Send(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}
