// Package frontend implements the scheduler's in-memory mirror of a
// registered frontend process: its liveness, subscribed model-session
// set, and the RPC stub used to push routing-table updates.
package frontend

import (
	"context"
	"sort"

	klog "k8s.io/klog/v2"

	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/rpctransport"
)

// Delegate is the scheduler's authoritative view of one frontend process.
type Delegate struct {
	NodeID     uint32
	Address    string
	Alive      bool
	LastBeacon int64 // unix nanoseconds

	subscriptions map[string]bool
	client        *rpctransport.FrontendControlClient
}

// Config bundles a Delegate's fixed construction parameters.
type Config struct {
	NodeID  uint32
	Address string
	Client  *rpctransport.FrontendControlClient
}

// New returns a freshly-registered Delegate with no subscriptions.
func New(cfg Config, nowUnixNano int64) *Delegate {
	return &Delegate{
		NodeID:        cfg.NodeID,
		Address:       cfg.Address,
		Alive:         true,
		LastBeacon:    nowUnixNano,
		subscriptions: make(map[string]bool),
		client:        cfg.Client,
	}
}

// Tick bumps last_beacon liveness on any RPC arrival from this frontend.
func (d *Delegate) Tick(nowUnixNano int64) {
	d.LastBeacon = nowUnixNano
}

// IsAlive reports liveness per the 2x beacon-interval grace period.
func (d *Delegate) IsAlive(nowUnixNano int64, beaconIntervalSec float64) bool {
	graceNs := int64(2 * beaconIntervalSec * 1e9)
	return nowUnixNano-d.LastBeacon <= graceNs
}

// SubscribeModel marks this frontend as routing to sessionID. Upsert:
// safe to call even if the frontend was previously unsubscribed.
func (d *Delegate) SubscribeModel(sessionID string) {
	d.subscriptions[sessionID] = true
}

// UnsubscribeModel removes sessionID from this frontend's subscriptions.
func (d *Delegate) UnsubscribeModel(sessionID string) {
	delete(d.subscriptions, sessionID)
}

// Subscriptions returns the subscribed session ids, sorted for
// deterministic iteration.
func (d *Delegate) Subscriptions() []string {
	out := make([]string, 0, len(d.subscriptions))
	for id := range d.subscriptions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpdateModelRoutesRpc pushes routing updates to this frontend. It is
// fire-and-forget: frontends also re-poll on restart, so a failed push
// here is logged and returned, never retried. No deadline is set on the
// call; it blocks for as long as ctx and the grpc client allow.
func (d *Delegate) UpdateModelRoutesRpc(ctx context.Context, routes []controlpb.ModelRoute) error {
	if d.client == nil {
		return nil // no outbound client wired (e.g. in unit tests)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ModelSessionID < routes[j].ModelSessionID })
	req := &controlpb.ModelRouteUpdates{ModelRoutes: routes}
	if _, err := d.client.UpdateModelRoutes(ctx, req); err != nil {
		klog.V(2).Infof("frontend %d: UpdateModelRoutesRpc failed: %v", d.NodeID, err)
		return err
	}
	return nil
}
