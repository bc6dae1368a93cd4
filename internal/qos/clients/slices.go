package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/talkincode/toughqos/internal/qos/classifier"
)

var slicesBucket = []byte("slices")

// BoltSliceManager keeps the slice registry in a bbolt file so quanta survive restarts.
type BoltSliceManager struct {
	db *bbolt.DB
}

// NewBoltSliceManager opens (or creates) the registry at path.
func NewBoltSliceManager(path string) (*BoltSliceManager, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open slice registry %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(slicesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init slice registry: %w", err)
	}
	return &BoltSliceManager{db: db}, nil
}

func sliceKey(id classifier.SliceID) []byte {
	return []byte{byte(id)}
}

func (m *BoltSliceManager) UpsertSlice(ctx context.Context, id classifier.SliceID, props SliceProperties) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(props)
	if err != nil {
		return err
	}
	err = m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(slicesBucket).Put(sliceKey(id), value)
	})
	if err != nil {
		return fmt.Errorf("upsert slice %d: %w", id, err)
	}
	zap.L().Debug("slice stored",
		zap.String("namespace", "qos"),
		zap.Uint8("slice_id", uint8(id)),
		zap.Float64("quantum", props.Quantum),
	)
	return nil
}

func (m *BoltSliceManager) DeleteSlice(ctx context.Context, id classifier.SliceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(slicesBucket).Delete(sliceKey(id))
	})
}

func (m *BoltSliceManager) Slices(ctx context.Context) (map[classifier.SliceID]SliceProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[classifier.SliceID]SliceProperties)
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(slicesBucket).ForEach(func(k, v []byte) error {
			if len(k) != 1 {
				return fmt.Errorf("bad slice key %x", k)
			}
			var props SliceProperties
			if err := json.Unmarshal(v, &props); err != nil {
				return fmt.Errorf("slice %d: %w", k[0], err)
			}
			out[classifier.SliceID(k[0])] = props
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *BoltSliceManager) Close() error {
	return m.db.Close()
}
