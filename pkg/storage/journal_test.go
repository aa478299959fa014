package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journals(t *testing.T) map[string]func() Journal {
	return map[string]func() Journal{
		"pebble": func() Journal {
			j, err := NewPebbleJournal(filepath.Join(t.TempDir(), "journal"))
			require.NoError(t, err)
			return j
		},
		"memory": func() Journal { return NewMemJournal() },
	}
}

func TestJournalRoundTrip(t *testing.T) {
	for name, open := range journals(t) {
		t.Run(name, func(t *testing.T) {
			j := open()
			defer j.Close()

			now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			require.NoError(t, j.Put(Record{Chain: "tron", Type: "collection", Key: "T2", State: StateSubmitted, TxHash: "0x2", UpdatedAt: now}))
			require.NoError(t, j.Put(Record{Chain: "tron", Type: "collection", Key: "T1", State: StateFailed, Attempts: 3, Error: "boom"}))
			require.NoError(t, j.Put(Record{Chain: "tron", Type: "payout", Key: "B1", State: StateConfirmed}))
			require.NoError(t, j.Put(Record{Chain: "bsc", Type: "collection", Key: "T9", State: StateSubmitted}))

			r, ok, err := j.Get("tron", "collection", "T2")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "0x2", r.TxHash)
			assert.True(t, r.UpdatedAt.Equal(now))
			assert.True(t, r.Done())

			_, ok, err = j.Get("tron", "collection", "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			list, err := j.List("tron", "collection")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "T1", list[0].Key, "key order")
			assert.Equal(t, "T2", list[1].Key)

			require.NoError(t, j.Put(Record{Chain: "tron", Type: "collection", Key: "T2", State: StateReverted}))
			r, _, _ = j.Get("tron", "collection", "T2")
			assert.False(t, r.Done())

			require.NoError(t, j.Delete("tron", "collection", "T1"))
			list, _ = j.List("tron", "collection")
			assert.Len(t, list, 1)
		})
	}
}

func TestPebbleJournalSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := NewPebbleJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Put(Record{Chain: "tron", Type: "payout", Key: "B7", State: StateSubmitted, TxHash: "0x7"}))
	require.NoError(t, j.Close())

	j, err = NewPebbleJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	r, ok, err := j.Get("tron", "payout", "B7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0x7", r.TxHash)
}

func TestMemJournalClosed(t *testing.T) {
	j := NewMemJournal()
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Put(Record{Key: "x"}), ErrClosed)
}

func TestKeySchema(t *testing.T) {
	assert.Equal(t, "settle:tron:payout:B1", string(recordKey("tron", "payout", "B1")))
	p := recordPrefix("tron", "payout")
	assert.Equal(t, "settle:tron:payout;", string(keyUpperBound(p)))
}

func TestFileWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settlement.wal")
	w, err := NewFileWAL(path)
	require.NoError(t, err)
	w.Append("lock collection T1")
	w.Append("submit collection T1 0xabc")
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Equal(t, []string{"lock collection T1", "submit collection T1 0xabc"}, lines)

	NewNopWAL().Append("ignored")
}
