package comm

import "sync/atomic"

// PortBitmap is a lock free set of 16 bit ports.
type PortBitmap struct {
	data [1024]uint64
}

func NewPortBitmap(ports ...uint16) *PortBitmap {
	b := &PortBitmap{}
	for _, p := range ports {
		b.Set(p)
	}
	return b
}

func (b *PortBitmap) Set(port uint16) {
	index := port / 64
	bit := uint64(1) << (port % 64)
	atomic.OrUint64(&b.data[index], bit)
}

func (b *PortBitmap) Has(port uint16) bool {
	index := port / 64
	bit := uint64(1) << (port % 64)
	return (atomic.LoadUint64(&b.data[index]) & bit) != 0
}

// Ports lists the members in ascending order.
func (b *PortBitmap) Ports() []uint16 {
	var ports []uint16
	for i := 0; i < len(b.data); i++ {
		word := atomic.LoadUint64(&b.data[i])
		for word != 0 {
			bit := uint16(0)
			for word&(uint64(1)<<bit) == 0 {
				bit++
			}
			ports = append(ports, uint16(i)*64+bit)
			word &^= uint64(1) << bit
		}
	}
	return ports
}
