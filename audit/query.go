package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultQueryLimit caps result pages when the caller gives no limit.
const DefaultQueryLimit = 100

// QueryFilter selects audit entries. Zero StartTime means the retention
// horizon; zero EndTime means now.
type QueryFilter struct {
	StartTime time.Time
	EndTime   time.Time
	FromAgent string
	ToAgent   string
	Status    string
	Limit     int
	// Cursor resumes a paged scan; pass QueryResult.NextCursor. It
	// encodes the boundary timestamp plus how many entries at that
	// exact millisecond were already returned, so entries sharing the
	// boundary millisecond are not lost between pages.
	Cursor string
}

// QueryResult is one page of audit entries, sorted ascending by
// timestamp. NextCursor is populated only when the page is exactly full,
// signaling more entries may exist.
type QueryResult struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// Query scans day-partitioned segments newest-first, applies the filter,
// and returns the page sorted ascending by timestamp.
func (l *Logger) Query(filter QueryFilter) (*QueryResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}
	now := l.clock.Now().UTC()
	end := filter.EndTime
	if end.IsZero() {
		end = now
	}
	start := filter.StartTime
	if start.IsZero() {
		start = now.AddDate(0, 0, -l.retention)
	}

	var (
		hasCursor  bool
		cursorMs   int64
		cursorSeen int
	)
	if filter.Cursor != "" {
		var err error
		cursorMs, cursorSeen, err = parseCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		hasCursor = true
	}

	var collected []Entry
	boundarySkipped := 0
	// Walk days newest to oldest so the limit cuts off at the oldest
	// yet-unread boundary.
	for day := end.Truncate(24 * time.Hour); !day.Before(start.Truncate(24 * time.Hour)); day = day.AddDate(0, 0, -1) {
		entries, err := l.readSegment(day.Format(dayFormat))
		if err != nil {
			return nil, err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Timestamp.Before(start) || e.Timestamp.After(end) {
				continue
			}
			if hasCursor {
				ems := e.Timestamp.UnixMilli()
				if ems > cursorMs {
					continue
				}
				// Entries at the boundary millisecond are revisited in
				// the same deterministic order; skip only the ones the
				// previous pages already returned.
				if ems == cursorMs && boundarySkipped < cursorSeen {
					boundarySkipped++
					continue
				}
			}
			if filter.FromAgent != "" && e.From != filter.FromAgent {
				continue
			}
			if filter.ToAgent != "" && e.To != filter.ToAgent {
				continue
			}
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
			collected = append(collected, e)
			if len(collected) == filter.Limit {
				break
			}
		}
		if len(collected) == filter.Limit {
			break
		}
	}

	result := &QueryResult{Entries: collected}
	if len(collected) == filter.Limit {
		oldestMs := collected[len(collected)-1].Timestamp.UnixMilli()
		seen := 0
		for _, e := range collected {
			if e.Timestamp.UnixMilli() == oldestMs {
				seen++
			}
		}
		if hasCursor && cursorMs == oldestMs {
			seen += cursorSeen
		}
		result.NextCursor = fmt.Sprintf("%d:%d", oldestMs, seen)
	}

	sort.Slice(result.Entries, func(i, j int) bool {
		return result.Entries[i].Timestamp.Before(result.Entries[j].Timestamp)
	})
	return result, nil
}

// parseCursor decodes "<epochMs>:<seen>". A bare millisecond value is
// accepted too and resumes strictly before that timestamp.
func parseCursor(cursor string) (ms int64, seen int, err error) {
	tsPart, seenPart, found := strings.Cut(cursor, ":")
	ms, err = strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("audit: invalid cursor %q", cursor)
	}
	if !found {
		return ms, math.MaxInt, nil
	}
	seen, err = strconv.Atoi(seenPart)
	if err != nil || seen < 0 {
		return 0, 0, fmt.Errorf("audit: invalid cursor %q", cursor)
	}
	return ms, seen, nil
}

// readSegment parses one day's segment. A missing segment yields no
// entries; a corrupt line is skipped rather than failing the whole scan.
func (l *Logger) readSegment(day string) ([]Entry, error) {
	f, err := os.Open(l.segmentPath(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return entries, nil
}
