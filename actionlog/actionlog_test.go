package actionlog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elkir0/homenichat-serv/watchdog/actionlog"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "watchdog.log")
}

func TestWriteAppendsJSONLine(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 0, 0)

	err := l.Write(actionlog.Entry{ModemID: "modem-1", Level: 1, LevelName: "SOFT"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"modemId":"modem-1"`)
	assert.Contains(t, string(data), `"levelName":"SOFT"`)
}

func TestWriteRotatesAtSizeCap(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 64, 0) // tiny cap, rotates almost immediately

	for i := 0; i < 10; i++ {
		err := l.Write(actionlog.Entry{ModemID: "modem-1", ProblemMessage: "padding padding padding"})
		require.NoError(t, err)
	}

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err, "expected a .1 backup to exist after repeated rotation")
}

func TestRotationPreservesExactlyTwoBackups(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 32, 0)

	for i := 0; i < 30; i++ {
		err := l.Write(actionlog.Entry{ModemID: "modem-1", ProblemMessage: "padding padding padding padding"})
		require.NoError(t, err)
	}

	_, err1 := os.Stat(path + ".1")
	_, err2 := os.Stat(path + ".2")
	assert.NoError(t, err1)
	assert.NoError(t, err2)

	stats := l.FileStats()
	assert.Len(t, stats.Backups, 2)
}

func TestRecentReturnsMostRecentFirst(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 0, 0)

	require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1", ProblemType: "first"}))
	require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1", ProblemType: "second"}))
	require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1", ProblemType: "third"}))

	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].ProblemType)
	assert.Equal(t, "second", recent[1].ProblemType)
}

func TestRecentRingIsBounded(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 0, 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1"}))
	}

	assert.Len(t, l.Recent(100), 3)
}

func TestReadRecentFromDiskHandlesMalformedLines(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 0, 0)

	require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1", ProblemType: "good"}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := l.ReadRecent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	raw, ok := entries[0].(actionlog.RawEntry)
	require.True(t, ok, "most recent malformed line should surface as a RawEntry")
	assert.Equal(t, "not json at all", raw.Raw)

	entry, ok := entries[1].(actionlog.Entry)
	require.True(t, ok)
	assert.Equal(t, "good", entry.ProblemType)
}

func TestReadRecentOnMissingFileReturnsEmpty(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 0, 0)

	entries, err := l.ReadRecent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStatsReportsSizeAndEntries(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 0, 0)

	require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1"}))
	require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1"}))

	stats := l.FileStats()
	assert.True(t, stats.Exists)
	assert.Equal(t, 2, stats.Entries)
	assert.Greater(t, stats.SizeBytes, int64(0))
	assert.Equal(t, path, stats.Path)
}

func TestClearRemovesFileAndBackupsAndRing(t *testing.T) {
	path := tempLogPath(t)
	l := actionlog.New(path, 32, 0)

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Write(actionlog.Entry{ModemID: "modem-1", ProblemMessage: "padding padding"}))
	}
	require.NoError(t, l.Clear())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".2")
	assert.True(t, os.IsNotExist(err))

	assert.Empty(t, l.Recent(10))
}
