package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/havocsh/havoc-sub000/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks          = []byte("tasks")
	bucketListeners      = []byte("listeners")
	bucketDomains        = []byte("domains")
	bucketPortGroups     = []byte("portgroups")
	bucketCredentials    = []byte("credentials")
	bucketTaskResults    = []byte("task_results")
	bucketTriggerResults = []byte("trigger_results")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "havoc.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketListeners,
			bucketDomains,
			bucketPortGroups,
			bucketCredentials,
			bucketTaskResults,
			bucketTriggerResults,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.put(bucketTasks, task.TaskName, task)
}

func (s *BoltStore) GetTask(name string) (*types.Task, error) {
	var task types.Task
	if err := s.get(bucketTasks, name, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// ListTasksPage scans tasks in key order starting after the continuation
// token. The returned token is empty once the scan is exhausted.
func (s *BoltStore) ListTasksPage(startAfter string, limit int) ([]*types.Task, string, error) {
	var tasks []*types.Task
	var next string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		var k, v []byte
		if startAfter == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(startAfter))
			if k != nil && string(k) == startAfter {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			if limit > 0 && len(tasks) == limit {
				next = string(tasks[len(tasks)-1].TaskName)
				return nil
			}
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	return tasks, next, err
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

// CompareAndSwapTaskStatus performs a conditional status write inside a
// single update transaction. BoltDB serializes writers, so the read and
// write are atomic with respect to concurrent swaps.
func (s *BoltStore) CompareAndSwapTaskStatus(name string, from, to types.TaskStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("task %s: %w", name, ErrNotFound)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status != from {
			return fmt.Errorf("task %s is %s, expected %s: %w", name, task.Status, from, ErrStatusConflict)
		}
		task.Status = to
		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), updated)
	})
}

// Listener operations

func (s *BoltStore) CreateListener(l *types.Listener) error {
	return s.put(bucketListeners, l.ListenerName, l)
}

func (s *BoltStore) GetListener(name string) (*types.Listener, error) {
	var l types.Listener
	if err := s.get(bucketListeners, name, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) ListListeners() ([]*types.Listener, error) {
	var listeners []*types.Listener
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketListeners).ForEach(func(k, v []byte) error {
			var l types.Listener
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			listeners = append(listeners, &l)
			return nil
		})
	})
	return listeners, err
}

func (s *BoltStore) UpdateListener(l *types.Listener) error {
	return s.CreateListener(l)
}

func (s *BoltStore) DeleteListener(name string) error {
	return s.delete(bucketListeners, name)
}

// Domain operations

func (s *BoltStore) CreateDomain(d *types.Domain) error {
	return s.put(bucketDomains, d.DomainName, d)
}

func (s *BoltStore) GetDomain(name string) (*types.Domain, error) {
	var d types.Domain
	if err := s.get(bucketDomains, name, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDomains() ([]*types.Domain, error) {
	var domains []*types.Domain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(k, v []byte) error {
			var d types.Domain
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			domains = append(domains, &d)
			return nil
		})
	})
	return domains, err
}

func (s *BoltStore) UpdateDomain(d *types.Domain) error {
	return s.CreateDomain(d)
}

func (s *BoltStore) DeleteDomain(name string) error {
	return s.delete(bucketDomains, name)
}

// PortGroup operations

func (s *BoltStore) CreatePortGroup(pg *types.PortGroup) error {
	return s.put(bucketPortGroups, pg.PortGroupName, pg)
}

func (s *BoltStore) GetPortGroup(name string) (*types.PortGroup, error) {
	var pg types.PortGroup
	if err := s.get(bucketPortGroups, name, &pg); err != nil {
		return nil, err
	}
	return &pg, nil
}

func (s *BoltStore) ListPortGroups() ([]*types.PortGroup, error) {
	var portgroups []*types.PortGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortGroups).ForEach(func(k, v []byte) error {
			var pg types.PortGroup
			if err := json.Unmarshal(v, &pg); err != nil {
				return err
			}
			portgroups = append(portgroups, &pg)
			return nil
		})
	})
	return portgroups, err
}

func (s *BoltStore) UpdatePortGroup(pg *types.PortGroup) error {
	return s.CreatePortGroup(pg)
}

func (s *BoltStore) DeletePortGroup(name string) error {
	return s.delete(bucketPortGroups, name)
}

// Credential operations

func (s *BoltStore) CreateCredential(c *types.Credential) error {
	return s.put(bucketCredentials, c.UserID, c)
}

func (s *BoltStore) GetCredential(userID string) (*types.Credential, error) {
	var c types.Credential
	if err := s.get(bucketCredentials, userID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetCredentialByAPIKey(apiKey string) (*types.Credential, error) {
	var found *types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var c types.Credential
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.APIKey == apiKey {
				found = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("credential for api key: %w", ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var c types.Credential
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			creds = append(creds, &c)
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(userID string) error {
	return s.delete(bucketCredentials, userID)
}

// Result queue operations. The logical key is (name, run-time epoch
// seconds); a random suffix keeps same-second entries from colliding since
// the queue is append-only and never deduplicated.

func queueKey(name string, runTime int64) string {
	return fmt.Sprintf("%s/%020d/%s", name, runTime, uuid.New().String())
}

func (s *BoltStore) appendResult(bucket []byte, entry *types.ResultEntry) error {
	return s.put(bucket, queueKey(entry.Name, entry.RunTime), entry)
}

func (s *BoltStore) listResults(bucket []byte, name string) ([]*types.ResultEntry, error) {
	var entries []*types.ResultEntry
	prefix := []byte(name + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var entry types.ResultEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) AppendTaskResult(entry *types.ResultEntry) error {
	return s.appendResult(bucketTaskResults, entry)
}

func (s *BoltStore) ListTaskResults(name string) ([]*types.ResultEntry, error) {
	return s.listResults(bucketTaskResults, name)
}

func (s *BoltStore) AppendTriggerResult(entry *types.ResultEntry) error {
	return s.appendResult(bucketTriggerResults, entry)
}

func (s *BoltStore) ListTriggerResults(name string) ([]*types.ResultEntry, error) {
	return s.listResults(bucketTriggerResults, name)
}

// ExpireResults sweeps both queues for entries past their expire_time.
func (s *BoltStore) ExpireResults(now int64) (int, error) {
	swept := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTaskResults, bucketTriggerResults} {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			var expired [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var entry types.ResultEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					continue
				}
				if entry.ExpireTime > 0 && entry.ExpireTime <= now {
					key := make([]byte, len(k))
					copy(key, k)
					expired = append(expired, key)
				}
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
				swept++
			}
		}
		return nil
	})
	return swept, err
}
