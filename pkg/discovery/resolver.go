// Package discovery finds Border Agents on the local link via DNS-SD:
// Thread Border Agents advertise the _meshcop._udp service with TXT
// records describing the network they front.
package discovery

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"time"

	"github.com/grandcat/zeroconf"
)

// MeshcopServiceType is the DNS-SD service type of a Border Agent.
const MeshcopServiceType = "_meshcop._udp"

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// defaultDomain is the mDNS domain.
const defaultDomain = "local."

// BorderAgent describes one discovered Border Agent.
type BorderAgent struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the Border Agent's DTLS port.
	Port int

	// Addrs contains the resolved addresses, IPv6 first.
	Addrs []net.IP

	// NetworkName is the Thread network name from the "nn" TXT key.
	NetworkName string

	// ExtendedPanId is decoded from the "xp" TXT key.
	ExtendedPanId []byte

	// Version is the Thread version string from the "tv" TXT key.
	Version string
}

// PreferredAddr returns the best address to dial, or nil.
func (b *BorderAgent) PreferredAddr() net.IP {
	if len(b.Addrs) > 0 {
		return b.Addrs[0]
	}
	return nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using
// grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration
}

// Resolver discovers Border Agents via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	return &Resolver{config: config, resolver: resolver}, nil
}

// DiscoverBorderAgents browses the local link until the timeout and
// returns every Border Agent seen.
func (r *Resolver) DiscoverBorderAgents(ctx context.Context) ([]BorderAgent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := r.resolver.Browse(ctx, MeshcopServiceType, defaultDomain, entries); err != nil {
		return nil, err
	}

	var agents []BorderAgent
	for entry := range entries {
		if entry == nil {
			continue
		}
		agents = append(agents, borderAgentFromEntry(entry))
	}
	return agents, nil
}

// borderAgentFromEntry converts a DNS-SD entry, decoding the MeshCoP TXT
// keys.
func borderAgentFromEntry(entry *zeroconf.ServiceEntry) BorderAgent {
	ba := BorderAgent{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
	}

	// Prefer IPv6; the Border Agent's DTLS service runs on the mesh-side
	// addresses in most deployments.
	addrs := append([]net.IP(nil), entry.AddrIPv6...)
	addrs = append(addrs, entry.AddrIPv4...)
	ba.Addrs = addrs

	txt := parseTxt(entry.Text)
	ba.NetworkName = txt["nn"]
	ba.Version = txt["tv"]
	if xp, ok := txt["xp"]; ok {
		if decoded, err := hex.DecodeString(xp); err == nil {
			ba.ExtendedPanId = decoded
		} else {
			// Some agents publish the raw 8 bytes instead of hex.
			ba.ExtendedPanId = []byte(xp)
		}
	}
	return ba
}

// parseTxt splits "key=value" TXT strings; later duplicates win.
func parseTxt(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

// SelectByNetworkName returns the first agent fronting the named network,
// or the first agent overall when name is empty. The list is scanned in
// stable instance-name order.
func SelectByNetworkName(agents []BorderAgent, name string) *BorderAgent {
	sorted := append([]BorderAgent(nil), agents...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].InstanceName < sorted[j].InstanceName })
	for i := range sorted {
		if name == "" || sorted[i].NetworkName == name {
			return &sorted[i]
		}
	}
	return nil
}
