// Package config loads conf.json for the gateway and the controller.
package config

import (
	"net"
	"net/netip"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/dosgo/goMtdGate/tracker"
	"github.com/dosgo/goMtdGate/translator"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "config")

const (
	DefaultFile     = "conf.json"
	DefaultRestPort = 5000
)

type Honeypot struct {
	Activate bool
	V4, V6   netip.Addr
}

type Tracking struct {
	Activate bool
	Capacity int
	Priority tracker.PriorityConfig
}

type NAS struct {
	Activate      bool
	DNSTTL        uint32
	HoppingPeriod time.Duration
	// Receivers are the mapping URLs of the peer gateways.
	Receivers []string
	RestAddr  string
	Honeypot  Honeypot
	Tracking  Tracking
}

type PH struct {
	Activate      bool
	Client        bool
	CacheSize     int
	HoppingPeriod time.Duration
	Keymap        translator.Keymap
	ServerSubnets *iptools.SubnetMatcher
}

type Queue struct {
	Inbound, Outbound uint16
	MaxLen            uint32
	Workers           int
	Backlog           int
	InstallRules      bool
	PublicInterface   string
	NoENOBUFS         bool
}

type Gateway struct {
	Whitelist    *iptools.SubnetMatcher
	FileLogging  bool
	DebugOutput  bool
	DebugForward bool
	NAS          NAS
	PH           PH
	Queue        Queue
	Metrics      bool
	StateDB      string
}

type Controller struct {
	FileLogging      bool
	DebugOutput      bool
	HostsV4, HostsV6 []netip.Addr
	HoneypotGateways []netip.Addr
	VirtualSubnets   []netip.Prefix
	// GatewayMapping maps a host subnet to the gateway routing it.
	GatewayMapping       map[netip.Prefix]netip.Addr
	SubnetsV4, SubnetsV6 []netip.Prefix
	// URLs maps a gateway mapping URL to the host subnets it serves.
	URLs          map[string][]netip.Prefix
	HoppingPeriod time.Duration
	SlidingWindow int
	InstallRoutes bool
}

// Loader reads one configuration file. Map keys are addresses, so the
// key delimiter is "|" instead of ".".
type Loader struct {
	v *viper.Viper
}

func NewLoader(path string) *Loader {
	v := viper.NewWithOptions(viper.KeyDelimiter("|"))
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nas|dns_ttl", 1)
	v.SetDefault("nas|hopping_period", 30)
	v.SetDefault("nas|rest_iface", "0.0.0.0")
	v.SetDefault("nas|tracking|max_buffer", tracker.DefaultCapacity)
	v.SetDefault("ph|max_buffer", 1000)
	v.SetDefault("ph|hopping_period", 30)
	v.SetDefault("queue|inbound", 1)
	v.SetDefault("queue|outbound", 2)
	v.SetDefault("queue|workers", 4*runtime.NumCPU())
	v.SetDefault("queue|backlog", tracker.DefaultBacklog)
	v.SetDefault("state_db", "mtg.db")
	v.SetDefault("hopping_period", 30)
	v.SetDefault("max_mapping_sliding_window", 3)
}

func (l *Loader) read(raw interface{}) error {
	if err := l.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading %s", l.v.ConfigFileUsed())
	}
	if err := l.v.Unmarshal(raw); err != nil {
		return errors.Wrapf(err, "decoding %s", l.v.ConfigFileUsed())
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseAddrs(what string, raw []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s address", what)
		}
		out = append(out, a.Unmap())
	}
	return out, nil
}

func parsePrefixes(what string, raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := iptools.ParsePrefixOrAddr(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", what)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseOptionalAddr(what, s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "invalid %s", what)
	}
	return a.Unmap(), nil
}

// ParseKeymap converts the PH keymap of conf.json.
func ParseKeymap(raw map[string]string) (translator.Keymap, error) {
	km := make(translator.Keymap, len(raw))
	for k, key := range raw {
		a, err := netip.ParseAddr(k)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid keymap address %q", k)
		}
		km[a.Unmap()] = key
	}
	return km, nil
}

// restAddr appends the default port when iface names a host only.
func restAddr(iface string) string {
	if _, _, err := net.SplitHostPort(iface); err == nil {
		return iface
	}
	return net.JoinHostPort(strings.Trim(iface, "[]"), strconv.Itoa(DefaultRestPort))
}

func parsePriority(raw rawPriority, continueAll bool) (tracker.PriorityConfig, error) {
	cfg := tracker.PriorityConfig{
		ContinueAll: continueAll,
		Priority:    make(map[uint16]string, len(raw.Priority)),
		PriorityDef: raw.PriorityDef,
	}
	for _, p := range raw.Continue {
		if p < 0 || p > 0xffff {
			return cfg, errors.Errorf("invalid continue port %d", p)
		}
		cfg.Continue = append(cfg.Continue, uint16(p))
	}
	for port, label := range raw.Priority {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid priority port %q", port)
		}
		cfg.Priority[uint16(p)] = label
	}
	return cfg, nil
}

// Gateway reads and validates the gateway configuration.
func (l *Loader) Gateway() (*Gateway, error) {
	var raw rawGateway
	if err := l.read(&raw); err != nil {
		return nil, err
	}

	whitelist, err := iptools.ParseSubnetMatcher(raw.Whitelist)
	if err != nil {
		return nil, errors.Wrap(err, "whitelist")
	}
	g := &Gateway{
		Whitelist:    whitelist,
		FileLogging:  raw.FileLogging,
		DebugOutput:  raw.DebugOutput,
		DebugForward: raw.DebugForward,
		Metrics:      raw.Metrics,
		StateDB:      raw.StateDB,
		Queue: Queue{
			Inbound:         raw.Queue.Inbound,
			Outbound:        raw.Queue.Outbound,
			MaxLen:          raw.Queue.MaxLen,
			Workers:         raw.Queue.Workers,
			Backlog:         raw.Queue.Backlog,
			InstallRules:    raw.Queue.InstallRules,
			PublicInterface: raw.Queue.PublicInterface,
			NoENOBUFS:       raw.Queue.NoENOBUFS,
		},
	}
	if g.Queue.Inbound == g.Queue.Outbound {
		return nil, errors.Errorf("inbound and outbound queue are both %d", g.Queue.Inbound)
	}
	if g.Queue.InstallRules && g.Queue.PublicInterface == "" {
		return nil, errors.New("queue install_rules needs public_interface")
	}

	n := raw.NAS
	g.NAS = NAS{
		Activate:      n.Activate,
		DNSTTL:        n.DNSTTL,
		HoppingPeriod: seconds(n.HoppingPeriod),
		Receivers:     n.Receiver,
		RestAddr:      restAddr(n.RestIface),
	}
	if g.NAS.Activate && g.NAS.HoppingPeriod <= 0 {
		return nil, errors.New("nas hopping_period must be positive")
	}
	g.NAS.Honeypot.Activate = n.Honeypot.Activate
	if g.NAS.Honeypot.V4, err = parseOptionalAddr("honeypot v4_address", n.Honeypot.V4Address); err != nil {
		return nil, err
	}
	if g.NAS.Honeypot.V6, err = parseOptionalAddr("honeypot v6_address", n.Honeypot.V6Address); err != nil {
		return nil, err
	}
	if g.NAS.Honeypot.Activate && (!g.NAS.Honeypot.V4.IsValid() || !g.NAS.Honeypot.V6.IsValid()) {
		return nil, errors.New("honeypot address not set")
	}
	g.NAS.Tracking.Activate = n.Tracking.Activate
	g.NAS.Tracking.Capacity = n.Tracking.MaxBuffer
	if g.NAS.Tracking.Priority, err = parsePriority(n.Tracking.DynamicPortPriority, n.Tracking.ContinueAll); err != nil {
		return nil, err
	}

	p := raw.PH
	g.PH = PH{
		Activate:      p.Activate,
		Client:        p.Client,
		CacheSize:     p.MaxBuffer,
		HoppingPeriod: seconds(p.HoppingPeriod),
	}
	if g.PH.Keymap, err = ParseKeymap(p.Keymap); err != nil {
		return nil, err
	}
	if g.PH.ServerSubnets, err = iptools.ParseSubnetMatcher(p.PHSubnetsServer); err != nil {
		return nil, errors.Wrap(err, "ph_subnets_server")
	}
	if g.PH.Activate && g.PH.HoppingPeriod <= 0 {
		return nil, errors.New("ph hopping_period must be positive")
	}
	return g, nil
}

// WatchKeymap calls fn with the new PH keymap whenever the file changes.
// A keymap that fails to parse is logged and skipped.
func (l *Loader) WatchKeymap(fn func(translator.Keymap)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.reloadKeymap(e.Name, fn)
	})
	l.v.WatchConfig()
}

func (l *Loader) reloadKeymap(name string, fn func(translator.Keymap)) {
	km, err := ParseKeymap(l.v.GetStringMapString("ph|keymap"))
	if err != nil {
		log.WithError(err).WithField("file", name).Error("Keeping previous keymap")
		return
	}
	log.WithField(logging.Count, len(km)).Info("Reloaded PH keymap")
	fn(km)
}

// Controller reads and validates the controller configuration.
func (l *Loader) Controller() (*Controller, error) {
	var raw rawController
	if err := l.read(&raw); err != nil {
		return nil, err
	}
	c := &Controller{
		FileLogging:    raw.FileLogging,
		DebugOutput:    raw.DebugOutput,
		HoppingPeriod:  seconds(raw.HoppingPeriod),
		SlidingWindow:  raw.MaxMappingSlidingWindow,
		InstallRoutes:  raw.Router.Install,
		GatewayMapping: make(map[netip.Prefix]netip.Addr, len(raw.GatewayMapping)),
		URLs:           make(map[string][]netip.Prefix, len(raw.URLs)),
	}
	if c.HoppingPeriod <= 0 {
		return nil, errors.New("hopping_period must be positive")
	}
	if c.SlidingWindow < 0 {
		return nil, errors.New("max_mapping_sliding_window must not be negative")
	}

	var err error
	if c.HostsV4, err = parseAddrs("hostsv4", raw.HostsV4); err != nil {
		return nil, err
	}
	if c.HostsV6, err = parseAddrs("hostsv6", raw.HostsV6); err != nil {
		return nil, err
	}
	if c.HoneypotGateways, err = parseAddrs("honeypot_gateway", raw.HoneypotGateway); err != nil {
		return nil, err
	}
	if c.VirtualSubnets, err = parsePrefixes("virtual_subnets", raw.VirtualSubnets); err != nil {
		return nil, err
	}
	if c.SubnetsV4, err = parsePrefixes("subnetv4", raw.SubnetV4); err != nil {
		return nil, err
	}
	if c.SubnetsV6, err = parsePrefixes("subnetv6", raw.SubnetV6); err != nil {
		return nil, err
	}
	for subnet, gw := range raw.GatewayMapping {
		p, err := iptools.ParsePrefixOrAddr(subnet)
		if err != nil {
			return nil, errors.Wrap(err, "gateway_mapping")
		}
		a, err := netip.ParseAddr(gw)
		if err != nil {
			return nil, errors.Wrapf(err, "gateway_mapping %s", subnet)
		}
		c.GatewayMapping[p] = a.Unmap()
	}
	for url, served := range raw.URLs {
		ps, err := parsePrefixes("urls "+url, served)
		if err != nil {
			return nil, err
		}
		c.URLs[url] = ps
	}
	if len(c.SubnetsV4) < len(c.HostsV4) || len(c.SubnetsV6) < len(c.HostsV6) {
		return nil, errors.New("fewer subnets than hosts")
	}
	return c, nil
}
