package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

// fakeResolver feeds canned entries into the browse channel.
type fakeResolver struct {
	entries []*zeroconf.ServiceEntry
}

func (f *fakeResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	go func() {
		defer close(entries)
		for _, e := range f.entries {
			entries <- e
		}
	}()
	return nil
}

func entry(instance, network string, port int) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance},
		HostName:      instance + ".local.",
		Port:          port,
		Text:          []string{"nn=" + network, "xp=dead00beef00cafe", "tv=1.2.0"},
		AddrIPv6:      []net.IP{net.ParseIP("fdde:ad00:beef::1")},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.2")},
	}
	return e
}

func TestDiscoverBorderAgents(t *testing.T) {
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  &fakeResolver{entries: []*zeroconf.ServiceEntry{entry("ba-1", "TestNet", 49191)}},
		BrowseTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	agents, err := r.DiscoverBorderAgents(context.Background())
	if err != nil {
		t.Fatalf("DiscoverBorderAgents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}

	ba := agents[0]
	if ba.NetworkName != "TestNet" || ba.Port != 49191 {
		t.Errorf("agent = %+v", ba)
	}
	if len(ba.ExtendedPanId) != 8 || ba.ExtendedPanId[0] != 0xDE {
		t.Errorf("extended PAN ID = %x", ba.ExtendedPanId)
	}
	if ba.Version != "1.2.0" {
		t.Errorf("version = %q", ba.Version)
	}
	if !ba.PreferredAddr().Equal(net.ParseIP("fdde:ad00:beef::1")) {
		t.Errorf("preferred addr = %v, expected the IPv6 address first", ba.PreferredAddr())
	}
}

func TestSelectByNetworkName(t *testing.T) {
	agents := []BorderAgent{
		{InstanceName: "b", NetworkName: "NetB"},
		{InstanceName: "a", NetworkName: "NetA"},
	}

	if got := SelectByNetworkName(agents, "NetB"); got == nil || got.InstanceName != "b" {
		t.Errorf("by name = %+v", got)
	}
	if got := SelectByNetworkName(agents, ""); got == nil || got.InstanceName != "a" {
		t.Errorf("empty name should pick the first in stable order, got %+v", got)
	}
	if got := SelectByNetworkName(agents, "NetC"); got != nil {
		t.Errorf("unknown name should yield nil, got %+v", got)
	}
}
