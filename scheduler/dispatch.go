package scheduler

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/frontend"
)

// pushChangedLocked flushes every backend's model table and every
// frontend's subscribed routes. Per the ordering guarantee in §5, all
// backend pushes are dispatched and awaited before any frontend push
// begins, so a frontend never receives a route pointing at an instance
// its backend has not yet been told to load. Within each tier, pushes
// fan out concurrently via errgroup; individual failures are collected
// with multierr and logged, not propagated to the RPC caller, per the
// "transient RPC failure" error-handling contract in §7. Callers must
// hold mu.
func (s *Scheduler) pushChangedLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	var backendErrs error
	var backendMu sync.Mutex
	g, gctx := errgroup.WithContext(context.Background())
	for _, d := range s.backends {
		d := d
		g.Go(func() error {
			err := d.UpdateModelTableRpc(gctx)
			if err != nil {
				backendMu.Lock()
				backendErrs = multierr.Append(backendErrs, err)
				backendMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if backendErrs != nil {
		klog.V(2).Infof("scheduler: backend table push errors: %v", backendErrs)
	}

	var frontendErrs error
	var frontendMu sync.Mutex
	g2, gctx2 := errgroup.WithContext(context.Background())
	for _, f := range s.frontends {
		f := f
		routes := s.routesForFrontendLocked(f)
		g2.Go(func() error {
			err := f.UpdateModelRoutesRpc(gctx2, routes)
			if err != nil {
				frontendMu.Lock()
				frontendErrs = multierr.Append(frontendErrs, err)
				frontendMu.Unlock()
			}
			return nil
		})
	}
	_ = g2.Wait()
	if frontendErrs != nil {
		klog.V(2).Infof("scheduler: frontend route push errors: %v", frontendErrs)
	}
}

func (s *Scheduler) routesForFrontendLocked(f *frontend.Delegate) []controlpb.ModelRoute {
	var routes []controlpb.ModelRoute
	for _, sessID := range f.Subscriptions() {
		si, ok := s.reg.Get(sessID)
		if !ok {
			continue
		}
		routes = append(routes, s.routeLocked(si))
	}
	return routes
}
