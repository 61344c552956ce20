package localjournal

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cuemby/factorial/pkg/types"
)

var (
	taskGroupsBucket   = []byte("task_groups")
	finishedTasksBucket = []byte("finished_tasks")
)

// Journal is a single bbolt database holding two bucket families:
// task_groups, which the executor uses, and finished_tasks, which no
// binary in this repository uses.
type Journal struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// both buckets exist.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(taskGroupsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(finishedTasksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveTaskGroup durably records a task group's current progress so a
// crashed pool can resume finished/aborted counts on restart instead of
// re-running completed units.
func (j *Journal) SaveTaskGroup(group *types.TaskGroup) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshal task group: %w", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(taskGroupsBucket).Put([]byte(group.GroupID), data)
	})
}

func (j *Journal) LoadTaskGroup(groupID string) (*types.TaskGroup, error) {
	var group types.TaskGroup
	found := false
	err := j.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(taskGroupsBucket).Get([]byte(groupID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &group)
	})
	if err != nil {
		return nil, fmt.Errorf("load task group %s: %w", groupID, err)
	}
	if !found {
		return nil, nil
	}
	return &group, nil
}

func (j *Journal) DeleteTaskGroup(groupID string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(taskGroupsBucket).Delete([]byte(groupID))
	})
}

// ListTaskGroups returns every task group still on record, used at pool
// startup to resume in-flight groups left behind by a crash.
func (j *Journal) ListTaskGroups() ([]*types.TaskGroup, error) {
	var out []*types.TaskGroup
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(taskGroupsBucket).ForEach(func(_, data []byte) error {
			var group types.TaskGroup
			if err := json.Unmarshal(data, &group); err != nil {
				return err
			}
			out = append(out, &group)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list task groups: %w", err)
	}
	return out, nil
}

// PutFinishedTask stores a finished-task row in the local
// finished_tasks bucket, keyed by task ID. The control API does not read
// this bucket; it serves finished tasks from the metadata store.
func (j *Journal) PutFinishedTask(ft types.FinishedTask) error {
	data, err := json.Marshal(ft)
	if err != nil {
		return fmt.Errorf("marshal finished task: %w", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(finishedTasksBucket).Put([]byte(ft.TaskID), data)
	})
}

func (j *Journal) GetFinishedTask(taskID string) (*types.FinishedTask, error) {
	var ft types.FinishedTask
	found := false
	err := j.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(finishedTasksBucket).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &ft)
	})
	if err != nil {
		return nil, fmt.Errorf("load finished task %s: %w", taskID, err)
	}
	if !found {
		return nil, nil
	}
	return &ft, nil
}

// ListFinishedTasksSince returns every cached finished task with a
// FinishTS at or after since.
func (j *Journal) ListFinishedTasksSince(since time.Time) ([]types.FinishedTask, error) {
	var out []types.FinishedTask
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(finishedTasksBucket).ForEach(func(_, data []byte) error {
			var ft types.FinishedTask
			if err := json.Unmarshal(data, &ft); err != nil {
				return err
			}
			if !ft.FinishTS.Before(since) {
				out = append(out, ft)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	return out, nil
}
