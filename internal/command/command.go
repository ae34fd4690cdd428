// Package command holds the user-facing command front-ends. A front-end
// lets users manage their watches and blacklist; the update pipeline never
// depends on this package.
package command

import "context"

// Commander is a command front-end's main loop. Run blocks until ctx is
// cancelled, after which the front-end accepts no new interactions.
type Commander interface {
	Run(ctx context.Context) error
}
