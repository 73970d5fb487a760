package iptools

import (
	"crypto/rand"
	"io"
	"math/big"
	"net/netip"

	"github.com/pkg/errors"
)

// PrefixSize is the number of addresses covered by p, network and
// broadcast addresses included.
func PrefixSize(p netip.Prefix) *big.Int {
	hostBits := uint(p.Addr().BitLen() - p.Bits())
	return new(big.Int).Lsh(big.NewInt(1), hostBits)
}

// RandomAddr picks an address inside p uniformly over the full address
// count, using a cryptographic source.
func RandomAddr(p netip.Prefix) (netip.Addr, error) {
	return randomAddr(rand.Reader, p)
}

func randomAddr(src io.Reader, p netip.Prefix) (netip.Addr, error) {
	if !p.IsValid() {
		return netip.Addr{}, errors.New("invalid prefix")
	}
	p = p.Masked()
	offset, err := rand.Int(src, PrefixSize(p))
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "reading random source")
	}
	base := new(big.Int).SetBytes(p.Addr().AsSlice())
	base.Add(base, offset)

	buf := make([]byte, p.Addr().BitLen()/8)
	base.FillBytes(buf)
	addr, ok := netip.AddrFromSlice(buf)
	if !ok {
		return netip.Addr{}, errors.Errorf("cannot build address from %x", buf)
	}
	return addr, nil
}

// RandomIndex returns a uniform value in [0, n) from a cryptographic source.
func RandomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, errors.Errorf("invalid range %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, errors.Wrap(err, "reading random source")
	}
	return int(v.Int64()), nil
}
