package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddListOrder(t *testing.T) {
	s, ms := newTestStore(t)
	for _, id := range []string{"A1", "B1", "C1"} {
		require.NoError(t, s.Add(Job{ID: id, Type: TypeAlbum, URL: "https://example.com/" + id, Status: "queue", Output: "stale"}))
	}
	list := s.List()
	require.Len(t, list, 3)
	for i, id := range []string{"A1", "B1", "C1"} {
		assert.Equal(t, id, list[i].ID)
		assert.Equal(t, StatusQueueDownload, list[i].Status)
		assert.Empty(t, list[i].Output)
	}
	assert.Len(t, ms.persisted(), 3)
}

func TestStore_AddValidation(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Add(Job{}), ErrInvalid)
	assert.ErrorIs(t, s.Add(Job{ID: "x", Type: "podcast"}), ErrInvalid)
	assert.Empty(t, s.List())
}

func TestStore_DuplicateAndRetry(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Add(Job{ID: "B1", Type: TypeTrack}))
	assert.ErrorIs(t, s.Add(Job{ID: "B1", Type: TypeTrack}), ErrAlreadyQueued)

	require.NoError(t, s.Add(Job{ID: "Z9", Type: TypeTrack}))
	require.NoError(t, s.SetStatus("B1", StatusDownload))
	s.AppendOutput("B1", "fatal: boom\n")
	require.NoError(t, s.SetStatus("B1", StatusError))

	require.NoError(t, s.Add(Job{ID: "B1", Type: TypeTrack, Status: "queue"}))
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "B1", list[0].ID, "retry replaces the entry in place")
	assert.Equal(t, StatusQueueDownload, list[0].Status)
	assert.Empty(t, list[0].Output)
	assert.Nil(t, list[0].FinishedAt)
}

func TestStore_AddRemoveCount(t *testing.T) {
	s, _ := newTestStore(t)
	added := 0
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Add(Job{ID: fmt.Sprintf("j%d", i)}))
		added++
	}
	removed := 0
	for i := 0; i < 20; i += 3 {
		require.NoError(t, s.Remove(fmt.Sprintf("j%d", i)))
		removed++
	}
	require.NoError(t, s.Remove("does-not-exist"))
	assert.Len(t, s.List(), added-removed)
}

func TestStore_RemoveFinishedExactSet(t *testing.T) {
	s, _ := newTestStore(t)
	statuses := map[string]Status{
		"q": StatusQueueDownload,
		"d": StatusDownload,
		"p": StatusQueueProcessing,
		"f": StatusFinished,
		"e": StatusError,
		"n": StatusNoDownload,
	}
	for _, id := range []string{"q", "d", "p", "f", "e", "n"} {
		require.NoError(t, s.Add(Job{ID: id}))
		if statuses[id] != StatusQueueDownload {
			require.NoError(t, s.SetStatus(id, statuses[id]))
		}
	}
	require.NoError(t, s.RemoveFinished())
	var ids []string
	for _, j := range s.List() {
		ids = append(ids, j.ID)
		assert.Equal(t, statuses[j.ID], j.Status)
	}
	assert.Equal(t, []string{"q", "d", "p", "n"}, ids)
}

func TestStore_SetStatusTimestamps(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Add(Job{ID: "A1"}))
	assert.ErrorIs(t, s.SetStatus("missing", StatusError), ErrNotFound)

	require.NoError(t, s.SetStatus("A1", StatusDownload))
	j, _ := s.Get("A1")
	require.NotNil(t, j.StartedAt)
	assert.Nil(t, j.FinishedAt)

	require.NoError(t, s.SetStatus("A1", StatusFinished))
	j, _ = s.Get("A1")
	require.NotNil(t, j.FinishedAt)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Add(Job{ID: "A1"}))
	s.SetProgress("A1", 1, 4)

	j, _ := s.Get("A1")
	j.Status = StatusFinished
	j.Progress.Current = 99
	list := s.List()
	list[0].Output = "mutated"

	again, _ := s.Get("A1")
	assert.Equal(t, StatusQueueDownload, again.Status)
	assert.Equal(t, 1, again.Progress.Current)
	assert.Empty(t, again.Output)
}

func TestStore_OutputIsCoalesced(t *testing.T) {
	s, ms := newTestStore(t)
	require.NoError(t, s.Add(Job{ID: "A1"}))
	saves := ms.saves

	s.AppendOutput("A1", "line 1\n")
	s.AppendOutput("A1", "line 2\n")
	s.SetProgress("A1", 1, 2)
	assert.Equal(t, saves, ms.saves, "appends must not write synchronously")

	require.NoError(t, s.Flush())
	assert.Equal(t, saves+1, ms.saves)
	assert.Equal(t, "line 1\nline 2\n", ms.persisted()[0].Output)

	require.NoError(t, s.Flush())
	assert.Equal(t, saves+1, ms.saves, "clean store does not write")
}

func TestStore_PersistFailureKeepsMemory(t *testing.T) {
	s, ms := newTestStore(t)
	ms.failNext = true
	err := s.Add(Job{ID: "A1"})
	require.Error(t, err)
	_, ok := s.Get("A1")
	assert.True(t, ok)

	require.NoError(t, s.Flush(), "retry of the failed write succeeds")
	assert.Len(t, ms.persisted(), 1)
}

func TestStore_LoadRehydratesInFlightAsError(t *testing.T) {
	ms := &memStorage{queue: []Job{
		{ID: "A1", Status: StatusDownload, Output: "half"},
		{ID: "B1", Status: StatusQueueDownload},
		{ID: "C1", Status: StatusProcessing},
		{ID: "D1", Status: StatusQueueProcessing},
		{ID: "E1", Status: StatusFinished},
		{ID: "B1", Status: StatusFinished},
	}}
	s := NewStore(nil, ms, nil)
	require.NoError(t, s.Load())

	list := s.List()
	require.Len(t, list, 5, "duplicate ids are dropped")
	want := map[string]Status{"A1": StatusError, "B1": StatusQueueDownload, "C1": StatusError, "D1": StatusError, "E1": StatusFinished}
	for _, j := range list {
		assert.Equal(t, want[j.ID], j.Status, j.ID)
	}
	a1, _ := s.Get("A1")
	assert.True(t, strings.HasPrefix(a1.Output, "half"))
	assert.Contains(t, a1.Output, "interrupted")
	assert.Equal(t, StatusError, ms.persisted()[0].Status, "rehydration is persisted")
}

func TestStore_SubscribeOutputBufferedThenLive(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Add(Job{ID: "A1"}))
	s.AppendOutput("A1", "first\n")

	sub, err := s.SubscribeOutput("A1")
	require.NoError(t, err)
	defer sub.Close()
	s.AppendOutput("A1", "second\n")
	s.AppendOutput("A1", "third\n")

	var got []string
	for i := 0; i < 3; i++ {
		m := <-sub.C
		var chunk string
		require.NoError(t, json.Unmarshal(m.Data, &chunk))
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"first\n", "second\n", "third\n"}, got)

	_, err = s.SubscribeOutput("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoveClosesOutputSubscribers(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Add(Job{ID: "A1"}))
	sub, err := s.SubscribeOutput("A1")
	require.NoError(t, err)
	<-sub.C
	require.NoError(t, s.Remove("A1"))
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestStore_QueueSnapshotsOmitOutput(t *testing.T) {
	s, _ := newTestStore(t)
	sub := s.SubscribeQueue()
	defer sub.Close()
	initial := <-sub.C
	assert.Equal(t, EventQueue, initial.Event)
	assert.JSONEq(t, `[]`, string(initial.Data))

	require.NoError(t, s.Add(Job{ID: "A1", Type: TypeAlbum}))
	s.AppendOutput("A1", "secret transcript")
	m := <-sub.C
	var snap []Job
	require.NoError(t, json.Unmarshal(m.Data, &snap))
	require.Len(t, snap, 1)
	assert.Equal(t, "A1", snap[0].ID)
	assert.Empty(t, snap[0].Output)
}
