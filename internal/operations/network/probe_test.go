package network

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

func cidr(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func probeWith(routes []netlink.Route, err error, up map[int]bool) *RouteProbe {
	p := NewRouteProbe(logger.NewNop())
	p.routes = func() ([]netlink.Route, error) { return routes, err }
	p.linkUp = func(index int) bool { return up[index] }
	return p
}

func TestIsDefault(t *testing.T) {
	assert.True(t, isDefault(netlink.Route{}))
	assert.True(t, isDefault(netlink.Route{Dst: cidr(t, "0.0.0.0/0")}))
	assert.True(t, isDefault(netlink.Route{Dst: cidr(t, "::/0")}))
	assert.False(t, isDefault(netlink.Route{Dst: cidr(t, "10.0.0.0/8")}))
	assert.False(t, isDefault(netlink.Route{Dst: cidr(t, "192.168.1.0/24")}))
}

func TestReadyWithDefaultRoute(t *testing.T) {
	p := probeWith([]netlink.Route{
		{Dst: cidr(t, "192.168.1.0/24"), LinkIndex: 2},
		{Dst: cidr(t, "0.0.0.0/0"), LinkIndex: 2},
	}, nil, map[int]bool{2: true})

	ok, err := p.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNotReadyWithoutDefaultRoute(t *testing.T) {
	p := probeWith([]netlink.Route{
		{Dst: cidr(t, "192.168.1.0/24"), LinkIndex: 2},
	}, nil, map[int]bool{2: true})

	ok, err := p.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotReadyWhenLinkDown(t *testing.T) {
	p := probeWith([]netlink.Route{
		{Dst: cidr(t, "0.0.0.0/0"), LinkIndex: 3},
	}, nil, map[int]bool{3: false})

	ok, err := p.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadyWhenNetlinkUnsupported(t *testing.T) {
	p := probeWith(nil, netlink.ErrNotImplemented, nil)

	ok, err := p.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadyListError(t *testing.T) {
	p := probeWith(nil, errors.New("netlink socket closed"), nil)

	ok, err := p.Ready(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestReadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := probeWith(nil, nil, nil).Ready(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
