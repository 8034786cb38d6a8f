package rundown

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// local scoped key-value backup of unflushed structural operations.
// a hard failure to reach the store must not silently drop a user's pending
// reorder/insert/delete; on recovery the pending operations are replayed and
// the bucket cleared.

type OperationBackup struct {
	db *bolt.DB
}

func NewOperationBackup(path string) (*OperationBackup, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open operation backup: %w", err)
	}
	return &OperationBackup{
		db: db,
	}, nil
}

func backupBucketName(documentId string) []byte {
	return []byte("pending/" + documentId)
}

func (self *OperationBackup) SaveOperation(documentId string, op *Operation) error {
	opJson, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(backupBucketName(documentId))
		if err != nil {
			return err
		}
		sequence, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, sequence)
		return bucket.Put(key, opJson)
	})
}

// pending operations in the order they were saved
func (self *OperationBackup) PendingOperations(documentId string) ([]*Operation, error) {
	ops := []*Operation{}
	err := self.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(backupBucketName(documentId))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key []byte, opJson []byte) error {
			op := &Operation{}
			if err := json.Unmarshal(opJson, op); err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (self *OperationBackup) Clear(documentId string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(backupBucketName(documentId)) == nil {
			return nil
		}
		return tx.DeleteBucket(backupBucketName(documentId))
	})
}

func (self *OperationBackup) Close() error {
	return self.db.Close()
}
