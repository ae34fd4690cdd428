// Package delivery routes finished result batches to notification channels.
package delivery

import (
	"context"
	"fmt"

	"vahtibot/internal/model"
)

// Deliverer sends one batch of listings to a recipient. All items in a
// batch share DeliverTo and DeliveryMethod; the pipeline guarantees this
// precondition, implementations do not re-validate it.
type Deliverer interface {
	Deliver(ctx context.Context, items []model.Listing) error
}

// Registry maps delivery method ids to channel implementations.
type Registry struct {
	byMethod map[int]Deliverer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byMethod: make(map[int]Deliverer)}
}

// Register adds a channel implementation under a delivery method id.
func (r *Registry) Register(method int, d Deliverer) {
	r.byMethod[method] = d
}

// Dispatch hands a batch to the channel registered for its delivery method.
// Empty batches are no-ops.
func (r *Registry) Dispatch(ctx context.Context, items []model.Listing) error {
	if len(items) == 0 {
		return nil
	}
	d, ok := r.byMethod[items[0].DeliveryMethod]
	if !ok {
		return fmt.Errorf("no deliverer registered for method %d", items[0].DeliveryMethod)
	}
	return d.Deliver(ctx, items)
}
