// Package network answers whether the device has working uplink routing.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

// RouteProbe reports the network ready once a default route exists on a
// link that is up.
type RouteProbe struct {
	logger *logger.Logger

	routes func() ([]netlink.Route, error)
	linkUp func(index int) bool
}

func NewRouteProbe(log *logger.Logger) *RouteProbe {
	return &RouteProbe{
		logger: log,
		routes: func() ([]netlink.Route, error) {
			return netlink.RouteList(nil, netlink.FAMILY_ALL)
		},
		linkUp: linkIsUp,
	}
}

func linkIsUp(index int) bool {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return false
	}
	attrs := link.Attrs()
	return attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown
}

func (p *RouteProbe) Ready(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	routes, err := p.routes()
	if err != nil {
		// no netlink here; let the request itself fail if offline
		if errors.Is(err, netlink.ErrNotImplemented) {
			return true, nil
		}
		return false, fmt.Errorf("failed to list routes: %w", err)
	}

	for _, r := range routes {
		if !isDefault(r) {
			continue
		}
		if r.LinkIndex == 0 || p.linkUp(r.LinkIndex) {
			return true, nil
		}
	}

	p.logger.Debug("No usable default route")
	return false, nil
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}
