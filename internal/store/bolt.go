package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/htsp-sync/internal/errors"
	"github.com/alexjbarnes/htsp-sync/internal/models"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the database directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	metaBucket     = []byte("meta")
	channelsBucket = []byte("channels")
	programsBucket = []byte("programs")
	lastSyncKey    = []byte("last_sync")
)

// Bolt stores channels and programs in a bbolt database. Rows are JSON
// documents keyed by their big-endian row id, so bucket order is
// insertion order.
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// Open opens the database at path, creating it and its buckets if they
// do not exist.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening guide db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, channelsBucket, programsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing guide db: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the database.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Channels returns every stored channel in row id order.
func (s *Bolt) Channels(ctx context.Context) ([]models.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []models.Channel

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(_, v []byte) error {
			var ch models.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}

			result = append(result, ch)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading channels: %w", err)
	}

	return result, nil
}

// Programs returns the programs matching f ordered by start time, then
// row id. Rows for other channels are skipped by peeking at channel_id
// without decoding the whole document.
func (s *Bolt) Programs(ctx context.Context, f ProgramFilter) ([]models.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []models.Program

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(programsBucket).ForEach(func(_, v []byte) error {
			if f.ChannelID != 0 && gjson.GetBytes(v, "channel_id").Int() != f.ChannelID {
				return nil
			}

			var p models.Program
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}

			if !f.From.IsZero() && !p.Stop.After(f.From) {
				return nil
			}

			if !f.To.IsZero() && !p.Start.Before(f.To) {
				return nil
			}

			result = append(result, p)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading programs: %w", err)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].Start.Equal(result[j].Start) {
			return result[i].Start.Before(result[j].Start)
		}

		return result[i].RowID < result[j].RowID
	})

	return result, nil
}

// ApplyBatch runs every operation inside one bbolt transaction. Any
// failing operation rolls the whole batch back. Deleting a channel also
// deletes its programs.
func (s *Bolt) ApplyBatch(ctx context.Context, ops []Operation) error {
	if len(ops) > MaxBatchSize {
		return fmt.Errorf("%w: %d operations (max %d)", apperrors.ErrBatchTooLarge, len(ops), MaxBatchSize)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(ops) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for i, op := range ops {
			if err := applyOp(tx, op); err != nil {
				return fmt.Errorf("operation %d (%s %s): %w", i, op.Kind, op.Entity, err)
			}
		}

		return nil
	})
}

func applyOp(tx *bolt.Tx, op Operation) error {
	var (
		b   *bolt.Bucket
		doc any
	)

	switch op.Entity {
	case EntityChannel:
		b = tx.Bucket(channelsBucket)
		if op.Channel != nil {
			doc = op.Channel
		}
	case EntityProgram:
		b = tx.Bucket(programsBucket)
		if op.Program != nil {
			doc = op.Program
		}
	default:
		return fmt.Errorf("unknown entity %d", int(op.Entity))
	}

	switch op.Kind {
	case OpInsert:
		if doc == nil {
			return fmt.Errorf("insert without record")
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}

		return putRow(b, int64(id), op.Entity, doc)
	case OpUpdate:
		if doc == nil {
			return fmt.Errorf("update without record")
		}

		if b.Get(rowKey(op.RowID)) == nil {
			return fmt.Errorf("%w: %d", apperrors.ErrRowNotFound, op.RowID)
		}

		return putRow(b, op.RowID, op.Entity, doc)
	case OpDelete:
		key := rowKey(op.RowID)

		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("%w: %d", apperrors.ErrRowNotFound, op.RowID)
		}

		channelID := gjson.GetBytes(v, "channel_id").Int()

		if err := b.Delete(key); err != nil {
			return err
		}

		// Programs go with the last row holding their channel id; a
		// duplicate channel row can be dropped without losing the guide.
		if op.Entity == EntityChannel {
			if !channelInUse(b, channelID) {
				return deleteProgramsOf(tx, channelID)
			}
		}

		return nil
	}

	return fmt.Errorf("unknown operation kind %d", int(op.Kind))
}

// putRow stamps the row id into a copy of the record and stores it.
func putRow(b *bolt.Bucket, rowID int64, entity Entity, doc any) error {
	switch entity {
	case EntityChannel:
		ch := *doc.(*models.Channel)
		ch.RowID = rowID
		doc = ch
	case EntityProgram:
		p := *doc.(*models.Program)
		p.RowID = rowID
		doc = p
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	return b.Put(rowKey(rowID), data)
}

func channelInUse(b *bolt.Bucket, channelID int64) bool {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if gjson.GetBytes(v, "channel_id").Int() == channelID {
			return true
		}
	}

	return false
}

func deleteProgramsOf(tx *bolt.Tx, channelID int64) error {
	b := tx.Bucket(programsBucket)

	var keys [][]byte

	err := b.ForEach(func(k, v []byte) error {
		if gjson.GetBytes(v, "channel_id").Int() == channelID {
			keys = append(keys, append([]byte(nil), k...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

func rowKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))

	return k
}

// LastSync returns when the last complete guide sync finished, or the
// zero time if none has.
func (s *Bolt) LastSync() time.Time {
	var t time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncKey)
		if v == nil {
			return nil
		}

		return t.UnmarshalText(v)
	})

	return t
}

// SetLastSync records the completion time of a guide sync.
func (s *Bolt) SetLastSync(t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(lastSyncKey, data)
	})
}
