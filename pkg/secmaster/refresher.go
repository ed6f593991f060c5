package secmaster

import (
	"context"
	"time"

	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/router"
)

// Subscriber is the live session surface the refresher drives.
// *exchange.Session satisfies this.
type Subscriber interface {
	UpdateSubscriptions(tickers []string) error
}

// Refresher periodically reapplies the catalog: router bindings for every
// active ticker and a dynamic subscribe on the live session for additions.
type Refresher struct {
	store    *Store
	feed     string
	types    []string
	routes   *router.Router
	dest     router.Destination
	session  Subscriber
	interval time.Duration
	logger   logging.Logger

	bound map[string]struct{}
}

// NewRefresher wires a refresher. messageTypes are the types bound per
// ticker (e.g. ticker_v2, trade).
func NewRefresher(store *Store, feed string, messageTypes []string, routes *router.Router, dest router.Destination, session Subscriber, interval time.Duration, logger logging.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.New(false)
	}
	return &Refresher{
		store:    store,
		feed:     feed,
		types:    messageTypes,
		routes:   routes,
		dest:     dest,
		session:  session,
		interval: interval,
		logger:   logger,
		bound:    map[string]struct{}{},
	}
}

// Run applies the catalog once immediately, then on every tick until ctx
// ends.
func (r *Refresher) Run(ctx context.Context) {
	if err := r.Apply(ctx); err != nil {
		r.logger.Errorf("initial catalog apply failed: %v", err)
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Apply(ctx); err != nil {
				r.logger.Errorf("catalog apply failed: %v", err)
			}
		}
	}
}

// Apply reads the active set and reconciles router bindings and the live
// subscription.
func (r *Refresher) Apply(ctx context.Context) error {
	tickers, err := r.store.ActiveTickers(ctx, r.feed)
	if err != nil {
		return err
	}

	active := make(map[string]struct{}, len(tickers))
	added, removed := 0, 0
	for _, t := range tickers {
		active[t] = struct{}{}
		if _, ok := r.bound[t]; !ok {
			for _, mt := range r.types {
				r.routes.Bind(mt, t, r.dest)
			}
			r.bound[t] = struct{}{}
			added++
		}
	}
	for t := range r.bound {
		if _, ok := active[t]; !ok {
			for _, mt := range r.types {
				r.routes.Unbind(mt, t)
			}
			delete(r.bound, t)
			removed++
		}
	}

	if added > 0 || removed > 0 {
		r.logger.Infof("catalog for %s: %d active (%d added, %d removed)",
			r.feed, len(tickers), added, removed)
	}
	if r.session != nil {
		return r.session.UpdateSubscriptions(tickers)
	}
	return nil
}
