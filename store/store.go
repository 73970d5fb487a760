// Package store keeps the last LF mapping and virtual subnets in a bbolt
// file so a restarted gateway resumes hopping before the controller pushes.
package store

import (
	"net/netip"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm/iptools"
	"github.com/dosgo/goMtdGate/comm/logging"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "store")

const (
	lfBucket      = "lf-map"
	subnetsBucket = "virtual-subnets"
)

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	log.WithField("path", path).Info("Opening state DB")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening state DB %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{lfBucket, subnetsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// replace empties bucket name and fills it from put.
func (s *Store) replace(name string, put func(bkt *bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bkt, err := tx.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		return put(bkt)
	})
}

// SaveLF stores host -> subnet, replacing the previous mapping.
func (s *Store) SaveLF(lf api.LF) error {
	err := s.replace(lfBucket, func(bkt *bolt.Bucket) error {
		for host, subnet := range lf {
			key, _ := host.MarshalText()
			val, _ := subnet.MarshalText()
			if err := bkt.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "saving LF mapping")
}

func (s *Store) LoadLF() (api.LF, error) {
	lf := make(api.LF)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(lfBucket)).ForEach(func(k, v []byte) error {
			host, err := netip.ParseAddr(string(k))
			if err != nil {
				return errors.Wrapf(err, "stored host %q", k)
			}
			subnet, err := iptools.ParsePrefixOrAddr(string(v))
			if err != nil {
				return err
			}
			lf[host] = subnet
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading LF mapping")
	}
	return lf, nil
}

func (s *Store) SaveVirtualSubnets(subnets []netip.Prefix) error {
	err := s.replace(subnetsBucket, func(bkt *bolt.Bucket) error {
		for _, p := range subnets {
			key, _ := p.MarshalText()
			if err := bkt.Put(key, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "saving virtual subnets")
}

// LoadVirtualSubnets returns the stored subnets in key order. ok is false
// when none are stored.
func (s *Store) LoadVirtualSubnets() (subnets []netip.Prefix, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(subnetsBucket))
		first, _ := bkt.Cursor().First()
		ok = first != nil
		return bkt.ForEach(func(k, _ []byte) error {
			p, err := iptools.ParsePrefixOrAddr(string(k))
			if err != nil {
				return err
			}
			subnets = append(subnets, p)
			return nil
		})
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "loading virtual subnets")
	}
	return subnets, ok, nil
}
