// Package phfunc implements port hopping functions.
package phfunc

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/dosgo/goMtdGate/comm/logging"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "phfunc")

// PortHopper translates between real and virtual ports for one client.
type PortHopper interface {
	RealToVirtual(port uint16, client netip.Addr, key string) uint16
	VirtualToReal(port uint16, client netip.Addr, key string) uint16
}

type cacheKey struct {
	slice  uint64
	key    string
	client netip.Addr
}

// RPAH XORs the port with a 16 bit keyed hash of the current time slice,
// the pre-shared key and the client address. XOR makes the function its
// own inverse, so the same call maps real to virtual and back.
type RPAH struct {
	period time.Duration
	cache  *lru.Cache[cacheKey, uint16]
	now    func() time.Time
}

func NewRPAH(period time.Duration, capacity int) (*RPAH, error) {
	if period <= 0 {
		return nil, errors.Errorf("hopping period must be positive, got %s", period)
	}
	cache, err := lru.New[cacheKey, uint16](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "creating hash cache")
	}
	return &RPAH{period: period, cache: cache, now: time.Now}, nil
}

func (r *RPAH) RealToVirtual(port uint16, client netip.Addr, key string) uint16 {
	v := r.DerivePort(port, client, key)
	log.WithFields(logrus.Fields{logging.Port: port, "vport": v}).Debug("Real port to virtual")
	return v
}

func (r *RPAH) VirtualToReal(port uint16, client netip.Addr, key string) uint16 {
	p := r.DerivePort(port, client, key)
	log.WithFields(logrus.Fields{logging.Port: port, "rport": p}).Debug("Virtual port to real")
	return p
}

// DerivePort returns port XOR h(slice, key, client).
func (r *RPAH) DerivePort(port uint16, client netip.Addr, key string) uint16 {
	return port ^ r.hash(r.timeSlice(), key, client.Unmap())
}

func (r *RPAH) timeSlice() uint64 {
	return uint64(r.now().UnixNano() / int64(r.period))
}

func (r *RPAH) hash(slice uint64, key string, client netip.Addr) uint16 {
	k := cacheKey{slice: slice, key: key, client: client}
	if h, ok := r.cache.Get(k); ok {
		return h
	}

	// New only fails for a bad size or an oversized key
	d, _ := blake2b.New(2, nil)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], slice)
	d.Write(t[:])
	d.Write([]byte(key))
	d.Write([]byte(client.String()))
	h := binary.BigEndian.Uint16(d.Sum(nil))

	r.cache.Add(k, h)
	return h
}
