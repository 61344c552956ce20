package localjournal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestTaskGroupRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	group := &types.TaskGroup{
		GroupID: "task-1",
		Type:    "factor_update",
		Units:   []types.UnitTask{{Type: "factor_update", SubID: 0, Target: "600000.SH"}},
		Running: map[int]struct{}{0: {}},
	}
	require.NoError(t, j.SaveTaskGroup(group))

	loaded, err := j.LoadTaskGroup("task-1")
	require.NoError(t, err)
	require.Equal(t, group.GroupID, loaded.GroupID)
	require.Equal(t, 1, loaded.TaskNum())

	require.NoError(t, j.DeleteTaskGroup("task-1"))
	loaded, err = j.LoadTaskGroup("task-1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestListTaskGroupsRecoversAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.SaveTaskGroup(&types.TaskGroup{GroupID: "a"}))
	require.NoError(t, j.SaveTaskGroup(&types.TaskGroup{GroupID: "b"}))
	require.NoError(t, j.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	groups, err := reopened.ListTaskGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
}

func TestFinishedTaskCache(t *testing.T) {
	j := openTestJournal(t)

	now := time.Now()
	ft := types.FinishedTask{TaskID: "t1", FinalStatus: types.TaskFinished, FinishTS: now}
	require.NoError(t, j.PutFinishedTask(ft))

	got, err := j.GetFinishedTask("t1")
	require.NoError(t, err)
	require.Equal(t, ft.TaskID, got.TaskID)

	list, err := j.ListFinishedTasksSince(now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 1)

	missing, err := j.GetFinishedTask("missing")
	require.NoError(t, err)
	require.Nil(t, missing)
}
