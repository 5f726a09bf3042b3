package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// key prefixes namespace the two maps spec.md §3 describes inside one
// Badger keyspace, the same scheme the teacher's persistence/badger layer
// uses for its key-share/session namespaces.
const (
	badgerPrefixPending    = "kme:pending:"
	badgerPrefixRegistered = "kme:registered:"
)

// Badger is a disk-backed Store, adapted from the teacher's
// BadgerPersistence: same SyncWrites-for-durability posture, generalized
// from key-share versions to the WPE registry's two maps.
type Badger struct {
	db     *badgerdb.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// badgerLoggerAdapter routes Badger's internal logging through zap, mirroring
// pkg/persistence/badger/logger.go's adapter shape.
type badgerLoggerAdapter struct{ logger *zap.Logger }

func (l *badgerLoggerAdapter) Errorf(f string, args ...interface{})   { l.logger.Sugar().Errorf(f, args...) }
func (l *badgerLoggerAdapter) Warningf(f string, args ...interface{}) { l.logger.Sugar().Warnf(f, args...) }
func (l *badgerLoggerAdapter) Infof(f string, args ...interface{})    { l.logger.Sugar().Infof(f, args...) }
func (l *badgerLoggerAdapter) Debugf(f string, args ...interface{})   { l.logger.Sugar().Debugf(f, args...) }

// NewBadger opens (or creates) a Badger database at dataPath as the KME
// registry's durable backend.
func NewBadger(dataPath string, logger *zap.Logger) (*Badger, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("kme/store: resolve path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kme/store: open badger at %s: %w", absPath, err)
	}

	logger.Info("kme registry badger store opened", zap.String("path", absPath))
	return &Badger{db: db, logger: logger}, nil
}

func (b *Badger) SavePending(uidHex string, signingKey []byte) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(badgerPrefixPending+uidHex), signingKey)
	})
}

func (b *Badger) LoadPending(uidHex string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(badgerPrefixPending + uidHex))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("kme/store: load pending %s: %w", uidHex, err)
	}
	return out, out != nil, nil
}

func (b *Badger) DeletePending(uidHex string) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete([]byte(badgerPrefixPending + uidHex))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (b *Badger) SaveRegistered(wpePubEncPEM string, info WPEInfo) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(badgerPrefixRegistered+wpePubEncPEM), encodeWPEInfo(info))
	})
}

func (b *Badger) LoadRegistered(wpePubEncPEM string) (WPEInfo, bool, error) {
	var info WPEInfo
	var found bool
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(badgerPrefixRegistered + wpePubEncPEM))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeWPEInfo(val)
			if err != nil {
				return err
			}
			info, found = decoded, true
			return nil
		})
	})
	if err != nil {
		return WPEInfo{}, false, fmt.Errorf("kme/store: load registered: %w", err)
	}
	return info, found, nil
}

func (b *Badger) DeleteRegistered(wpePubEncPEM string) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete([]byte(badgerPrefixRegistered + wpePubEncPEM))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (b *Badger) ListRegistered() (map[string]WPEInfo, error) {
	out := make(map[string]WPEInfo)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerPrefixRegistered)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pem := string(it.Item().Key()[len(prefix):])
			err := it.Item().Value(func(val []byte) error {
				info, err := decodeWPEInfo(val)
				if err != nil {
					return err
				}
				out[pem] = info
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kme/store: list registered: %w", err)
	}
	return out, nil
}

func (b *Badger) ListPending() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerPrefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			uidHex := string(it.Item().Key()[len(prefix):])
			err := it.Item().Value(func(val []byte) error {
				out[uidHex] = append([]byte(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kme/store: list pending: %w", err)
	}
	return out, nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *Badger) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("kme/store: badger store closed")
	}
	return nil
}

// encodeWPEInfo/decodeWPEInfo use a fixed 8-byte-count-prefixed encoding
// rather than the teacher's delimiter-joined strings: §9's design notes
// call the original's "," "|" delimiter scheme "fragile against PEM
// newlines" and ask for a structured encoding instead.
func encodeWPEInfo(info WPEInfo) []byte {
	out := make([]byte, 8+len(info.SigningKey))
	binary.BigEndian.PutUint64(out[:8], info.WorkOrderCount)
	copy(out[8:], info.SigningKey)
	return out
}

func decodeWPEInfo(raw []byte) (WPEInfo, error) {
	if len(raw) < 8 {
		return WPEInfo{}, fmt.Errorf("kme/store: truncated WPEInfo record")
	}
	return WPEInfo{
		WorkOrderCount: binary.BigEndian.Uint64(raw[:8]),
		SigningKey:     append([]byte(nil), raw[8:]...),
	}, nil
}
