package app

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/backkem/thread-commissioner/pkg/commissioner"
	"github.com/backkem/thread-commissioner/pkg/dataset"
	"github.com/backkem/thread-commissioner/pkg/discovery"
)

// primaryBbrAloc16 is the anycast locator of the primary Backbone Border
// Router.
const primaryBbrAloc16 = 0xFC38

// App ties the commissioner core to its application-level concerns:
// configuration, logging, Border Agent discovery and network-data
// persistence. It is the surface the CLI drives.
type App struct {
	config     *Config
	logFactory *FileLoggerFactory
	comm       *commissioner.Commissioner
	resolver   *discovery.Resolver

	mu           sync.Mutex
	borderAgents []discovery.BorderAgent
}

// NewApp loads the configuration file and assembles the commissioner.
func NewApp(configPath string) (*App, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(config)
}

// NewAppWithConfig assembles the commissioner from an in-memory
// configuration.
func NewAppWithConfig(config *Config) (*App, error) {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	logFactory, err := NewFileLoggerFactory(config.LogFile, level)
	if err != nil {
		return nil, err
	}

	coreConfig, err := config.buildCoreConfig()
	if err != nil {
		logFactory.Close()
		return nil, err
	}
	coreConfig.LoggerFactory = logFactory

	comm, err := commissioner.New(coreConfig)
	if err != nil {
		logFactory.Close()
		return nil, err
	}
	if err := comm.Start(); err != nil {
		logFactory.Close()
		return nil, err
	}

	resolver, err := discovery.NewResolver(discovery.ResolverConfig{})
	if err != nil {
		// Discovery is optional; mDNS may be unavailable in containers.
		resolver = nil
	}

	return &App{
		config:     config,
		logFactory: logFactory,
		comm:       comm,
		resolver:   resolver,
	}, nil
}

// Commissioner exposes the session core.
func (a *App) Commissioner() *commissioner.Commissioner {
	return a.comm
}

// Start petitions at the Border Agent and mirrors the network data. On
// rejection the active commissioner's ID is returned with the error.
func (a *App) Start(ctx context.Context, borderAgentAddr string, borderAgentPort int) (existingCommissionerId string, err error) {
	addr := net.JoinHostPort(borderAgentAddr, strconv.Itoa(borderAgentPort))
	existing, err := a.comm.Petition(ctx, addr)
	if err != nil {
		return existing, err
	}
	if err := a.comm.PullNetworkData(ctx); err != nil {
		if a.comm.IsActive() {
			a.Stop()
		}
		return "", err
	}
	return "", nil
}

// Stop resigns the commissioner role.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.comm.Resign(ctx)
}

// Close releases all resources.
func (a *App) Close() {
	a.comm.Stop()
	a.logFactory.Close()
}

// AbortRequests cancels the in-flight commands of the core.
func (a *App) AbortRequests() {
	a.comm.AbortRequests()
}

// IsActive reports whether the commissioner holds the network.
func (a *App) IsActive() bool { return a.comm.IsActive() }

// IsCcmMode reports whether CCM mode is configured.
func (a *App) IsCcmMode() bool { return a.comm.IsCcmMode() }

// Discover browses the local link for Border Agents and caches the list.
func (a *App) Discover(ctx context.Context) ([]discovery.BorderAgent, error) {
	if a.resolver == nil {
		return nil, &commissioner.Error{Kind: commissioner.KindInvalidState,
			Message: "mDNS discovery is unavailable"}
	}
	agents, err := a.resolver.DiscoverBorderAgents(ctx)
	if err != nil {
		return nil, &commissioner.Error{Kind: commissioner.KindIoError,
			Message: "border agent discovery failed: " + err.Error()}
	}
	a.mu.Lock()
	a.borderAgents = agents
	a.mu.Unlock()
	return agents, nil
}

// GetBorderAgentList returns the last discovery result.
func (a *App) GetBorderAgentList() []discovery.BorderAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]discovery.BorderAgent(nil), a.borderAgents...)
}

// GetBorderAgent picks a cached agent by network name; empty matches any.
func (a *App) GetBorderAgent(networkName string) *discovery.BorderAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return discovery.SelectByNetworkName(a.borderAgents, networkName)
}

// SaveNetworkData writes the four dataset mirrors to a JSON file.
func (a *App) SaveNetworkData(path string) error {
	nd := BuildNetworkData(
		a.comm.CachedActiveDataset(dataset.FullDatasetFlags),
		a.comm.CachedPendingDataset(dataset.FullDatasetFlags),
		a.comm.CachedCommissionerDataset(dataset.FullDatasetFlags),
		a.comm.CachedBbrDataset(dataset.FullDatasetFlags),
	)
	return nd.Save(path)
}

// PullNetworkData refreshes all dataset mirrors from the network.
func (a *App) PullNetworkData(ctx context.Context) error {
	return a.comm.PullNetworkData(ctx)
}

func notFound(what string) error {
	return &commissioner.Error{Kind: commissioner.KindNotFound,
		Message: "cannot find " + what}
}

func (a *App) requireActive() error {
	if !a.comm.IsActive() {
		return &commissioner.Error{Kind: commissioner.KindInvalidState,
			Message: "the commissioner is not active"}
	}
	return nil
}

// GetActiveTimestamp returns the mirrored Active Timestamp.
func (a *App) GetActiveTimestamp() (dataset.Timestamp, error) {
	if err := a.requireActive(); err != nil {
		return dataset.Timestamp{}, err
	}
	ds := a.comm.CachedActiveDataset(dataset.ActiveTimestampBit)
	if ds.PresentFlags == 0 {
		return dataset.Timestamp{}, notFound("Active Timestamp in Active Operational Dataset")
	}
	return ds.ActiveTimestamp, nil
}

// GetChannel re-pulls the Active dataset (a pending change may have
// promoted) and returns the channel.
func (a *App) GetChannel(ctx context.Context) (dataset.Channel, error) {
	if _, err := a.comm.GetActiveDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return dataset.Channel{}, err
	}
	ds := a.comm.CachedActiveDataset(dataset.ChannelBit)
	if ds.PresentFlags == 0 {
		return dataset.Channel{}, notFound("Channel in Active Operational Dataset")
	}
	return ds.Channel, nil
}

// SetChannel schedules a channel change through the Pending dataset.
func (a *App) SetChannel(ctx context.Context, channel dataset.Channel, delay time.Duration) error {
	var ds dataset.PendingOperationalDataset
	ds.Channel = channel
	ds.DelayTimer = uint32(delay / time.Millisecond)
	ds.PresentFlags = dataset.ChannelBit | dataset.DelayTimerBit
	return a.comm.SetPendingDataset(ctx, ds)
}

// GetChannelMask returns the mirrored channel mask.
func (a *App) GetChannelMask() (dataset.ChannelMask, error) {
	if err := a.requireActive(); err != nil {
		return nil, err
	}
	ds := a.comm.CachedActiveDataset(dataset.ChannelMaskBit)
	if ds.PresentFlags == 0 {
		return nil, notFound("valid Channel Masks in Active Operational Dataset")
	}
	return ds.ChannelMask, nil
}

// SetChannelMask updates the channel mask in the Active dataset.
func (a *App) SetChannelMask(ctx context.Context, mask dataset.ChannelMask) error {
	var ds dataset.ActiveOperationalDataset
	ds.ChannelMask = mask
	ds.PresentFlags = dataset.ChannelMaskBit
	return a.comm.SetActiveDataset(ctx, ds)
}

// GetExtendedPanId returns the mirrored Extended PAN ID.
func (a *App) GetExtendedPanId() ([]byte, error) {
	if err := a.requireActive(); err != nil {
		return nil, err
	}
	ds := a.comm.CachedActiveDataset(dataset.ExtendedPanIdBit)
	if ds.PresentFlags == 0 {
		return nil, notFound("valid Extended PAN ID in Active Operational Dataset")
	}
	return ds.ExtendedPanId, nil
}

// SetExtendedPanId updates the Extended PAN ID in the Active dataset.
func (a *App) SetExtendedPanId(ctx context.Context, extendedPanId []byte) error {
	var ds dataset.ActiveOperationalDataset
	ds.ExtendedPanId = extendedPanId
	ds.PresentFlags = dataset.ExtendedPanIdBit
	return a.comm.SetActiveDataset(ctx, ds)
}

// GetMeshLocalPrefix re-pulls the Active dataset and returns the prefix.
func (a *App) GetMeshLocalPrefix(ctx context.Context) ([]byte, error) {
	if _, err := a.comm.GetActiveDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return nil, err
	}
	ds := a.comm.CachedActiveDataset(dataset.MeshLocalPrefixBit)
	if ds.PresentFlags == 0 {
		return nil, notFound("valid Mesh-Local Prefix in Active Operational Dataset")
	}
	return ds.MeshLocalPrefix, nil
}

// SetMeshLocalPrefix schedules a prefix change through the Pending
// dataset.
func (a *App) SetMeshLocalPrefix(ctx context.Context, prefix []byte, delay time.Duration) error {
	if len(prefix) != 8 {
		return &commissioner.Error{Kind: commissioner.KindInvalidArgs,
			Message: "a mesh-local prefix is 8 bytes"}
	}
	var ds dataset.PendingOperationalDataset
	ds.MeshLocalPrefix = prefix
	ds.DelayTimer = uint32(delay / time.Millisecond)
	ds.PresentFlags = dataset.MeshLocalPrefixBit | dataset.DelayTimerBit
	return a.comm.SetPendingDataset(ctx, ds)
}

// GetNetworkMasterKey re-pulls the Active dataset and returns the key.
func (a *App) GetNetworkMasterKey(ctx context.Context) ([]byte, error) {
	if _, err := a.comm.GetActiveDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return nil, err
	}
	ds := a.comm.CachedActiveDataset(dataset.NetworkMasterKeyBit)
	if ds.PresentFlags == 0 {
		return nil, notFound("valid Network Master Key in Active Operational Dataset")
	}
	return ds.NetworkMasterKey, nil
}

// SetNetworkMasterKey schedules a key rotation through the Pending
// dataset.
func (a *App) SetNetworkMasterKey(ctx context.Context, masterKey []byte, delay time.Duration) error {
	var ds dataset.PendingOperationalDataset
	ds.NetworkMasterKey = masterKey
	ds.DelayTimer = uint32(delay / time.Millisecond)
	ds.PresentFlags = dataset.NetworkMasterKeyBit | dataset.DelayTimerBit
	return a.comm.SetPendingDataset(ctx, ds)
}

// GetNetworkName returns the mirrored network name.
func (a *App) GetNetworkName() (string, error) {
	if err := a.requireActive(); err != nil {
		return "", err
	}
	ds := a.comm.CachedActiveDataset(dataset.NetworkNameBit)
	if ds.PresentFlags == 0 {
		return "", notFound("valid Network Name in Active Operational Dataset")
	}
	return ds.NetworkName, nil
}

// SetNetworkName updates the network name in the Active dataset.
func (a *App) SetNetworkName(ctx context.Context, name string) error {
	var ds dataset.ActiveOperationalDataset
	ds.NetworkName = name
	ds.PresentFlags = dataset.NetworkNameBit
	return a.comm.SetActiveDataset(ctx, ds)
}

// GetPanId re-pulls the Active dataset and returns the PAN ID.
func (a *App) GetPanId(ctx context.Context) (uint16, error) {
	if _, err := a.comm.GetActiveDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return 0, err
	}
	ds := a.comm.CachedActiveDataset(dataset.PanIdBit)
	if ds.PresentFlags == 0 {
		return 0, notFound("valid PAN ID in Active Operational Dataset")
	}
	return ds.PanId, nil
}

// SetPanId schedules a PAN ID change through the Pending dataset.
func (a *App) SetPanId(ctx context.Context, panId uint16, delay time.Duration) error {
	var ds dataset.PendingOperationalDataset
	ds.PanId = panId
	ds.DelayTimer = uint32(delay / time.Millisecond)
	ds.PresentFlags = dataset.PanIdBit | dataset.DelayTimerBit
	return a.comm.SetPendingDataset(ctx, ds)
}

// GetPSKc returns the mirrored PSKc.
func (a *App) GetPSKc() ([]byte, error) {
	if err := a.requireActive(); err != nil {
		return nil, err
	}
	ds := a.comm.CachedActiveDataset(dataset.PSKcBit)
	if ds.PresentFlags == 0 {
		return nil, notFound("valid PSKc in Active Operational Dataset")
	}
	return ds.PSKc, nil
}

// SetPSKc updates the PSKc in the Active dataset.
func (a *App) SetPSKc(ctx context.Context, pskc []byte) error {
	var ds dataset.ActiveOperationalDataset
	ds.PSKc = pskc
	ds.PresentFlags = dataset.PSKcBit
	return a.comm.SetActiveDataset(ctx, ds)
}

// GetSecurityPolicy returns the mirrored security policy.
func (a *App) GetSecurityPolicy() (dataset.SecurityPolicy, error) {
	if err := a.requireActive(); err != nil {
		return dataset.SecurityPolicy{}, err
	}
	ds := a.comm.CachedActiveDataset(dataset.SecurityPolicyBit)
	if ds.PresentFlags == 0 {
		return dataset.SecurityPolicy{}, notFound("valid Security Policy in Active Operational Dataset")
	}
	return ds.SecurityPolicy, nil
}

// SetSecurityPolicy updates the security policy in the Active dataset.
func (a *App) SetSecurityPolicy(ctx context.Context, policy dataset.SecurityPolicy) error {
	var ds dataset.ActiveOperationalDataset
	ds.SecurityPolicy = policy
	ds.PresentFlags = dataset.SecurityPolicyBit
	return a.comm.SetActiveDataset(ctx, ds)
}

// GetTriHostname returns the mirrored TRI hostname (CCM only).
func (a *App) GetTriHostname() (string, error) {
	if err := a.requireCcm(); err != nil {
		return "", err
	}
	ds := a.comm.CachedBbrDataset(dataset.TriHostnameBit)
	if ds.PresentFlags == 0 {
		return "", notFound("valid TRI Hostname in BBR Dataset")
	}
	return ds.TriHostname, nil
}

// SetTriHostname updates the TRI hostname in the BBR dataset (CCM only).
func (a *App) SetTriHostname(ctx context.Context, hostname string) error {
	if err := a.requireCcm(); err != nil {
		return err
	}
	var ds dataset.BbrDataset
	ds.TriHostname = hostname
	ds.PresentFlags = dataset.TriHostnameBit
	return a.comm.SetBbrDataset(ctx, ds)
}

// GetRegistrarHostname returns the mirrored registrar hostname (CCM
// only).
func (a *App) GetRegistrarHostname() (string, error) {
	if err := a.requireCcm(); err != nil {
		return "", err
	}
	ds := a.comm.CachedBbrDataset(dataset.RegistrarHostnameBit)
	if ds.PresentFlags == 0 {
		return "", notFound("valid Registrar Hostname in BBR Dataset")
	}
	return ds.RegistrarHostname, nil
}

// SetRegistrarHostname updates the registrar hostname in the BBR dataset
// (CCM only).
func (a *App) SetRegistrarHostname(ctx context.Context, hostname string) error {
	if err := a.requireCcm(); err != nil {
		return err
	}
	var ds dataset.BbrDataset
	ds.RegistrarHostname = hostname
	ds.PresentFlags = dataset.RegistrarHostnameBit
	return a.comm.SetBbrDataset(ctx, ds)
}

// GetRegistrarIpv6Addr returns the mirrored registrar address (CCM only).
func (a *App) GetRegistrarIpv6Addr() (string, error) {
	if err := a.requireCcm(); err != nil {
		return "", err
	}
	ds := a.comm.CachedBbrDataset(dataset.RegistrarIpv6AddrBit)
	if ds.PresentFlags == 0 {
		return "", notFound("valid Registrar IPv6 Address in BBR Dataset")
	}
	return ds.RegistrarIpv6Addr, nil
}

func (a *App) requireCcm() error {
	if err := a.requireActive(); err != nil {
		return err
	}
	if !a.comm.IsCcmMode() {
		return &commissioner.Error{Kind: commissioner.KindInvalidState,
			Message: "the commissioner is not in CCM mode"}
	}
	return nil
}

// GetMeshLocalAddr builds the mesh-local anycast/unicast address of a
// locator within the given 8-byte mesh-local prefix.
func GetMeshLocalAddr(meshLocalPrefix []byte, locator uint16) (net.IP, error) {
	if len(meshLocalPrefix) != 8 {
		return nil, &commissioner.Error{Kind: commissioner.KindInvalidArgs,
			Message: "a mesh-local prefix is 8 bytes"}
	}
	addr := make(net.IP, net.IPv6len)
	copy(addr, meshLocalPrefix)
	// ALOC/RLOC IID: 0000:00ff:fe00:xxxx.
	addr[11] = 0xFF
	addr[12] = 0xFE
	addr[14] = byte(locator >> 8)
	addr[15] = byte(locator)
	return addr, nil
}

// GetPrimaryBbrAddr derives the primary BBR anycast address from the
// mesh-local prefix.
func (a *App) GetPrimaryBbrAddr(ctx context.Context) (net.IP, error) {
	prefix, err := a.GetMeshLocalPrefix(ctx)
	if err != nil {
		return nil, err
	}
	return GetMeshLocalAddr(prefix, primaryBbrAloc16)
}

// RegisterMulticastListener registers the multicast addresses with the
// primary BBR.
func (a *App) RegisterMulticastListener(ctx context.Context, addrs []string, timeout time.Duration) error {
	_, err := a.comm.RegisterMulticastListener(ctx, addrs, timeout)
	return err
}
