package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 13, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Entry{RunID: "r1", At: at, Kind: KindSeatOpen, CRN: "12345", Detail: "CSCE 121 – Intro"}))
	require.NoError(t, s.Record(ctx, Entry{RunID: "r1", Kind: KindSwapFailure, CRN: "22222", Detail: "Closed section"}))
	require.NoError(t, s.Record(ctx, Entry{RunID: "r1", Kind: KindSwapDone, CRN: "22222"}))

	entries, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindSwapDone, entries[0].Kind)
	assert.Equal(t, KindSwapFailure, entries[1].Kind)
	assert.Equal(t, "Closed section", entries[1].Detail)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[2].At.Equal(at))
	assert.Equal(t, "12345", all[2].CRN)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Entry{RunID: "r", Kind: KindWatchDegraded}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecorder(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s, "run-7", nil)
	r.Record(context.Background(), KindSeatOpen, "1", "open")

	entries, err := s.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-7", entries[0].RunID)

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.Record(context.Background(), KindSeatOpen, "1", "") })
}
