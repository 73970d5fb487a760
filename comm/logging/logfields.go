package logging

// Common field names, keep them short and stable, they end up in log
// queries.
const (
	// Subsys is the field denoting the subsystem when logging
	Subsys = "subsys"

	Direction = "direction"
	Queue     = "queue"
	Src       = "src"
	Dst       = "dst"
	SrcPort   = "sport"
	DstPort   = "dport"
	Port      = "port"
	Addr      = "addr"
	Mapping   = "mapping"
	Subnet    = "subnet"
	URL       = "url"
	Count     = "count"
	Priority  = "priority"
	PacketID  = "packetID"
)
