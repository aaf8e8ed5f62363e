package backend

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/boltdb/bolt"

	"forestfs/pkg/blockid"
	"forestfs/pkg/ferrors"
)

var (
	blocksBucket    = []byte("blocks")
	refcountsBucket = []byte("refcounts")
	namesBucket     = []byte("names")
)

// Bolt is a boltdb-backed on-disk Backend: one bucket each for block
// bytes, persisted refcounts, and published root names. Grounded on
// cellstate-treedb/layerfs/layerfs.go's bucket-per-concern layout.
type Bolt struct {
	db       *bolt.DB
	lockFile *os.File
	path     string
}

// OpenBolt opens (creating if absent) a boltdb-backed backend at path,
// taking an advisory exclusive lock on a path+".lock" sidecar file so
// two processes can't open the same store concurrently — the same
// cooperative-locking shape as the teacher's database file lock,
// applied to a side file instead of the main one since boltdb already
// holds its own flock on the main file.
func OpenBolt(path string) (*Bolt, error) {
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("backend: opening lock file: %w", err)
	}
	if err := acquireLock(lf); err != nil {
		lf.Close()
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		releaseLock(lf)
		lf.Close()
		return nil, fmt.Errorf("backend: opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, refcountsBucket, namesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		releaseLock(lf)
		lf.Close()
		return nil, fmt.Errorf("backend: preparing buckets: %w", err)
	}

	return &Bolt{db: db, lockFile: lf, path: path}, nil
}

// Path returns the on-disk path this backend was opened at.
func (b *Bolt) Path() string { return b.path }

// BytesUsed reports the boltdb file's current size on disk (Bolt
// implements backend.StatsBackend).
func (b *Bolt) BytesUsed() (uint64, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0, fmt.Errorf("backend: stat: %w", err)
	}
	return uint64(fi.Size()), nil
}

// BytesAvailable reports the free space on the filesystem holding b's
// database file.
func (b *Bolt) BytesAvailable() (uint64, error) {
	return statfsAvailable(b.path)
}

func (b *Bolt) GetBlock(id blockid.ID) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(id.Bytes())
		if v == nil {
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("backend: get block: %w", err)
	}
	return out, out != nil, nil
}

func (b *Bolt) PutBlock(id blockid.ID, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(id.Bytes(), data)
	})
	if err != nil {
		return fmt.Errorf("backend: put block: %w", err)
	}
	return nil
}

func (b *Bolt) DeleteBlock(id blockid.ID) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blocksBucket).Delete(id.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(refcountsBucket).Delete(id.Bytes())
	})
	if err != nil {
		return fmt.Errorf("backend: delete block: %w", err)
	}
	return nil
}

func (b *Bolt) GetRefcount(id blockid.ID) (int, error) {
	var count int
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(refcountsBucket).Get(id.Bytes())
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("%w: malformed refcount for %s", ferrors.ErrCorruption, id)
		}
		count = int(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (b *Bolt) SetRefcount(id blockid.ID, count int) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(refcountsBucket)
		if count == 0 {
			return bucket.Delete(id.Bytes())
		}
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(count))
		return bucket.Put(id.Bytes(), v)
	})
	if err != nil {
		return fmt.Errorf("backend: set refcount: %w", err)
	}
	return nil
}

func (b *Bolt) GetName(name string) (blockid.ID, bool, error) {
	var id blockid.ID
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(namesBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		if len(v) != blockid.Size {
			return fmt.Errorf("%w: malformed name binding for %q", ferrors.ErrCorruption, name)
		}
		id = blockid.FromBytes(v)
		ok = true
		return nil
	})
	if err != nil {
		return blockid.ID{}, false, err
	}
	return id, ok, nil
}

func (b *Bolt) SetName(name string, id blockid.ID) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(namesBucket).Put([]byte(name), id.Bytes())
	})
	if err != nil {
		return fmt.Errorf("backend: set name: %w", err)
	}
	return nil
}

func (b *Bolt) DeleteName(name string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(namesBucket).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("backend: delete name: %w", err)
	}
	return nil
}

func (b *Bolt) FlushDone() error {
	return nil
}

func (b *Bolt) Close() error {
	closeErr := b.db.Close()
	unlockErr := releaseLock(b.lockFile)
	fileErr := b.lockFile.Close()
	os.Remove(b.lockFile.Name())
	if closeErr != nil {
		return fmt.Errorf("backend: closing boltdb: %w", closeErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("backend: unlocking: %w", unlockErr)
	}
	return fileErr
}
