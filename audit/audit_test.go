package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLogger(t *testing.T) (*Logger, *manualClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &manualClock{t: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	logger, err := NewLogger(Config{Dir: dir, Clock: clock}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger, clock, dir
}

func readLines(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestLogA2AOperation_AppendsNDJSON(t *testing.T) {
	logger, clock, dir := newTestLogger(t)

	require.NoError(t, logger.LogA2AOperation(Entry{
		Level:         LevelInfo,
		CorrelationID: "corr-1",
		From:          "agent-1",
		To:            "agent-2",
		Type:          "COMMAND",
		Action:        "delivery",
		Status:        StatusSuccess,
		DurationMs:    12,
	}))
	require.NoError(t, logger.LogA2AOperation(Entry{
		CorrelationID: "corr-2",
		From:          "agent-2",
		To:            "agent-1",
		Type:          "RESPONSE",
		Status:        StatusDenied,
		ErrorCode:     types.ErrCodeInvalidSignature,
	}))

	entries := readLines(t, filepath.Join(dir, "a2a-2026-08-30.log"))
	require.Len(t, entries, 2)
	assert.Equal(t, "corr-1", entries[0].CorrelationID)
	assert.Equal(t, clock.Now().UTC(), entries[0].Timestamp)
	assert.Equal(t, types.ErrCodeInvalidSignature, entries[1].ErrorCode)
	// Omitted level defaults to INFO.
	assert.Equal(t, LevelInfo, entries[1].Level)
}

func TestLogA2AOperation_SanitizesUnknownErrorCode(t *testing.T) {
	logger, _, dir := newTestLogger(t)

	require.NoError(t, logger.LogA2AOperation(Entry{
		From:      "agent-1",
		To:        "agent-2",
		Status:    StatusFailure,
		ErrorCode: types.ErrorCode("disk exploded at /var/secret/path"),
	}))

	entries := readLines(t, filepath.Join(dir, "a2a-2026-08-30.log"))
	require.Len(t, entries, 1)
	assert.Equal(t, types.ErrCodeUnknownError, entries[0].ErrorCode)
}

func TestDayRollover(t *testing.T) {
	logger, clock, dir := newTestLogger(t)

	require.NoError(t, logger.LogAuthSuccess("c1", "a", "b", types.MessageTypeQuery, 1))
	clock.Advance(24 * time.Hour)
	require.NoError(t, logger.LogAuthSuccess("c2", "a", "b", types.MessageTypeQuery, 1))

	assert.Len(t, readLines(t, filepath.Join(dir, "a2a-2026-08-30.log")), 1)
	assert.Len(t, readLines(t, filepath.Join(dir, "a2a-2026-08-31.log")), 1)
}

func TestTypedWrappers(t *testing.T) {
	logger, _, dir := newTestLogger(t)

	require.NoError(t, logger.LogAuthSuccess("c1", "a", "b", types.MessageTypeCommand, 3))
	require.NoError(t, logger.LogAuthFailure("c2", "a", "b", types.MessageTypeCommand, types.ErrCodeNonceReused, 4))
	require.NoError(t, logger.LogMessageDelivery("c3", "a", "b", types.MessageTypeEvent, StatusSuccess, "", 5))
	require.NoError(t, logger.LogMessageDelivery("c4", "a", "b", types.MessageTypeEvent, StatusFailure, types.ErrCodeMessageTooLarge, 6))

	entries := readLines(t, filepath.Join(dir, "a2a-2026-08-30.log"))
	require.Len(t, entries, 4)

	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, StatusSuccess, entries[0].Status)

	assert.Equal(t, LevelWarn, entries[1].Level)
	assert.Equal(t, StatusDenied, entries[1].Status)
	assert.Equal(t, types.ErrCodeNonceReused, entries[1].ErrorCode)

	assert.Equal(t, LevelInfo, entries[2].Level)
	assert.Equal(t, LevelError, entries[3].Level)
}

func TestQuery_FiltersAndOrdering(t *testing.T) {
	logger, clock, _ := newTestLogger(t)

	require.NoError(t, logger.LogAuthSuccess("c1", "agent-1", "agent-2", types.MessageTypeQuery, 1))
	clock.Advance(time.Minute)
	require.NoError(t, logger.LogAuthFailure("c2", "agent-3", "agent-2", types.MessageTypeCommand, types.ErrCodeUnauthorized, 2))
	clock.Advance(time.Minute)
	require.NoError(t, logger.LogAuthSuccess("c3", "agent-1", "agent-4", types.MessageTypeEvent, 3))

	res, err := logger.Query(QueryFilter{FromAgent: "agent-1"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	// Ascending by timestamp.
	assert.Equal(t, "c1", res.Entries[0].CorrelationID)
	assert.Equal(t, "c3", res.Entries[1].CorrelationID)
	assert.Empty(t, res.NextCursor)

	res, err = logger.Query(QueryFilter{Status: StatusDenied})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "c2", res.Entries[0].CorrelationID)

	res, err = logger.Query(QueryFilter{ToAgent: "agent-4"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "c3", res.Entries[0].CorrelationID)
}

func TestQuery_TimeRange(t *testing.T) {
	logger, clock, _ := newTestLogger(t)

	t0 := clock.Now()
	require.NoError(t, logger.LogAuthSuccess("c1", "a", "b", types.MessageTypeQuery, 1))
	clock.Advance(time.Hour)
	require.NoError(t, logger.LogAuthSuccess("c2", "a", "b", types.MessageTypeQuery, 1))

	res, err := logger.Query(QueryFilter{
		StartTime: t0.Add(30 * time.Minute),
		EndTime:   clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "c2", res.Entries[0].CorrelationID)
}

func TestQuery_Pagination(t *testing.T) {
	logger, clock, _ := newTestLogger(t)

	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range ids {
		require.NoError(t, logger.LogAuthSuccess(id, "a", "b", types.MessageTypeQuery, 1))
		clock.Advance(time.Minute)
	}

	// First page: the two newest entries, cursor set because the page
	// is exactly full.
	page1, err := logger.Query(QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Entries, 2)
	assert.Equal(t, "c4", page1.Entries[0].CorrelationID)
	assert.Equal(t, "c5", page1.Entries[1].CorrelationID)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := logger.Query(QueryFilter{Limit: 2, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Entries, 2)
	assert.Equal(t, "c2", page2.Entries[0].CorrelationID)
	assert.Equal(t, "c3", page2.Entries[1].CorrelationID)
	require.NotEmpty(t, page2.NextCursor)

	// Final partial page carries no cursor.
	page3, err := logger.Query(QueryFilter{Limit: 2, Cursor: page2.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3.Entries, 1)
	assert.Equal(t, "c1", page3.Entries[0].CorrelationID)
	assert.Empty(t, page3.NextCursor)
}

func TestQuery_PaginationSameMillisecond(t *testing.T) {
	logger, _, _ := newTestLogger(t)

	// All entries share one timestamp: the clock never advances. Paging
	// must still visit every entry exactly once.
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range ids {
		require.NoError(t, logger.LogAuthSuccess(id, "a", "b", types.MessageTypeQuery, 1))
	}

	seen := map[string]int{}
	cursor := ""
	pages := 0
	for {
		res, err := logger.Query(QueryFilter{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, e := range res.Entries {
			seen[e.CorrelationID]++
		}
		pages++
		require.LessOrEqual(t, pages, len(ids), "pagination did not terminate")
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	require.Len(t, seen, len(ids))
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "entry %s", id)
	}
}

func TestQuery_InvalidCursor(t *testing.T) {
	logger, _, _ := newTestLogger(t)

	_, err := logger.Query(QueryFilter{Cursor: "not-a-cursor"})
	require.Error(t, err)
	_, err = logger.Query(QueryFilter{Cursor: "123:-1"})
	require.Error(t, err)
}

func TestChecksum_WriteAndVerify(t *testing.T) {
	logger, _, dir := newTestLogger(t)

	require.NoError(t, logger.LogAuthSuccess("c1", "a", "b", types.MessageTypeQuery, 1))
	require.NoError(t, logger.WriteChecksum("2026-08-30"))

	ok, err := logger.VerifyChecksum("2026-08-30")
	require.NoError(t, err)
	assert.True(t, ok)

	// Post-hoc tampering with the segment is detected.
	path := filepath.Join(dir, "a2a-2026-08-30.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"forged":true}`+"\n"), 0o644))
	ok, err = logger.VerifyChecksum("2026-08-30")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChecksum_MissingArtifact(t *testing.T) {
	logger, _, _ := newTestLogger(t)
	require.NoError(t, logger.LogAuthSuccess("c1", "a", "b", types.MessageTypeQuery, 1))

	_, err := logger.VerifyChecksum("2026-08-30")
	assert.Error(t, err)
}

func TestPrune_RemovesExpiredSegments(t *testing.T) {
	dir := t.TempDir()
	clock := &manualClock{t: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	logger, err := NewLogger(Config{Dir: dir, RetentionDays: 7, Clock: clock}, zap.NewNop())
	require.NoError(t, err)
	defer logger.Close()

	// Fabricate an old segment with its checksum and a recent one.
	old := filepath.Join(dir, "a2a-2026-08-01.log")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(old+".sha256", []byte("x\n"), 0o644))
	require.NoError(t, logger.LogAuthSuccess("c1", "a", "b", types.MessageTypeQuery, 1))

	removed, err := logger.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(old + ".sha256")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "a2a-2026-08-30.log"))
	assert.NoError(t, err)
}
