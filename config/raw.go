package config

// The raw structs mirror conf.json. Periods are seconds.

type rawHoneypot struct {
	Activate  bool   `mapstructure:"activate"`
	V4Address string `mapstructure:"v4_address"`
	V6Address string `mapstructure:"v6_address"`
}

type rawPriority struct {
	Continue    []int             `mapstructure:"continue"`
	Priority    map[string]string `mapstructure:"priority"`
	PriorityDef map[string]int    `mapstructure:"priority_def"`
}

type rawTracking struct {
	Activate            bool        `mapstructure:"activate"`
	ContinueAll         bool        `mapstructure:"continue_all"`
	MaxBuffer           int         `mapstructure:"max_buffer"`
	DynamicPortPriority rawPriority `mapstructure:"dynamic_port_priority"`
}

type rawNAS struct {
	Activate      bool        `mapstructure:"activate"`
	DNSTTL        uint32      `mapstructure:"dns_ttl"`
	HoppingPeriod float64     `mapstructure:"hopping_period"`
	Receiver      []string    `mapstructure:"receiver"`
	RestIface     string      `mapstructure:"rest_iface"`
	Honeypot      rawHoneypot `mapstructure:"honeypot"`
	Tracking      rawTracking `mapstructure:"tracking"`
}

type rawPH struct {
	Activate        bool              `mapstructure:"activate"`
	Client          bool              `mapstructure:"client"`
	MaxBuffer       int               `mapstructure:"max_buffer"`
	HoppingPeriod   float64           `mapstructure:"hopping_period"`
	Keymap          map[string]string `mapstructure:"keymap"`
	PHSubnetsServer []string          `mapstructure:"ph_subnets_server"`
}

type rawQueue struct {
	Inbound         uint16 `mapstructure:"inbound"`
	Outbound        uint16 `mapstructure:"outbound"`
	MaxLen          uint32 `mapstructure:"max_len"`
	Workers         int    `mapstructure:"workers"`
	Backlog         int    `mapstructure:"backlog"`
	InstallRules    bool   `mapstructure:"install_rules"`
	PublicInterface string `mapstructure:"public_interface"`
	NoENOBUFS       bool   `mapstructure:"no_enobufs"`
}

type rawGateway struct {
	Whitelist    []string `mapstructure:"whitelist"`
	FileLogging  bool     `mapstructure:"file_logging"`
	DebugOutput  bool     `mapstructure:"debug_output"`
	DebugForward bool     `mapstructure:"debug_forward"`
	NAS          rawNAS   `mapstructure:"nas"`
	PH           rawPH    `mapstructure:"ph"`
	Queue        rawQueue `mapstructure:"queue"`
	Metrics      bool     `mapstructure:"metrics"`
	StateDB      string   `mapstructure:"state_db"`
}

type rawRouter struct {
	Install bool `mapstructure:"install"`
}

type rawController struct {
	FileLogging             bool                `mapstructure:"file_logging"`
	DebugOutput             bool                `mapstructure:"debug_output"`
	HostsV4                 []string            `mapstructure:"hostsv4"`
	HostsV6                 []string            `mapstructure:"hostsv6"`
	HoneypotGateway         []string            `mapstructure:"honeypot_gateway"`
	VirtualSubnets          []string            `mapstructure:"virtual_subnets"`
	GatewayMapping          map[string]string   `mapstructure:"gateway_mapping"`
	SubnetV4                []string            `mapstructure:"subnetv4"`
	SubnetV6                []string            `mapstructure:"subnetv6"`
	URLs                    map[string][]string `mapstructure:"urls"`
	HoppingPeriod           float64             `mapstructure:"hopping_period"`
	MaxMappingSlidingWindow int                 `mapstructure:"max_mapping_sliding_window"`
	Router                  rawRouter           `mapstructure:"router"`
}
