package eventsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/CoinSummer/clamm-backtest/event"
	"github.com/sirupsen/logrus"
)

// FileSource reads a directory of JSON page files and yields normalized
// events in ascending time order, auto-detecting whether the files (and the
// transactions within each file) were written newest-first.
type FileSource struct {
	events []*event.SwapEvent
	cursor int
}

// NewFileSource loads and normalizes every page file in dir, keeping only
// events for poolID within [startMs, endMs]. A missing directory is fatal;
// an individual unparseable file is logged and skipped.
func NewFileSource(dir, poolID string, startMs, endMs int64) (*FileSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("eventsource: missing data directory %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	pages := make([]*event.Page, 0, len(names))
	for _, name := range names {
		page, err := loadPage(filepath.Join(dir, name))
		if err != nil {
			logrus.Warnf("eventsource: skipping unparseable page %s: %v", name, err)
			continue
		}
		pages = append(pages, page)
	}

	if descendingPages(pages) {
		reversePages(pages)
	}

	var out []*event.SwapEvent
	terminated := false
	for _, page := range pages {
		if terminated {
			break
		}
		txs := page.Data
		if descendingTransactions(txs) {
			reverseTransactions(txs)
		}
		for i := range txs {
			tx := &txs[i]
			ts := int64(tx.TimestampMs)
			if ts > endMs {
				terminated = true
				break
			}
			if ts < startMs {
				continue
			}
			out = append(out, event.Normalize(tx, poolID)...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TimestampMs != b.TimestampMs {
			return a.TimestampMs < b.TimestampMs
		}
		if a.Digest != b.Digest {
			return a.Digest < b.Digest
		}
		return a.Seq < b.Seq
	})

	return &FileSource{events: out}, nil
}

func loadPage(path string) (*event.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var page event.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &page, nil
}

// descendingPages compares the first transaction timestamp of the first and
// last page; if the first page starts later than the last, the page order
// is newest-first and must be reversed.
func descendingPages(pages []*event.Page) bool {
	if len(pages) < 2 {
		return false
	}
	first := firstTimestamp(pages[0])
	last := firstTimestamp(pages[len(pages)-1])
	return first != nil && last != nil && *first > *last
}

func firstTimestamp(page *event.Page) *int64 {
	if page == nil || len(page.Data) == 0 {
		return nil
	}
	ts := int64(page.Data[0].TimestampMs)
	return &ts
}

func reversePages(pages []*event.Page) {
	for i, j := 0, len(pages)-1; i < j; i, j = i+1, j-1 {
		pages[i], pages[j] = pages[j], pages[i]
	}
}

// descendingTransactions applies the same first-vs-last heuristic within a
// single file's transaction list.
func descendingTransactions(txs []event.Transaction) bool {
	if len(txs) < 2 {
		return false
	}
	return int64(txs[0].TimestampMs) > int64(txs[len(txs)-1].TimestampMs)
}

func reverseTransactions(txs []event.Transaction) {
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
}

// Next implements Source.
func (f *FileSource) Next(ctx context.Context) (*event.SwapEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if f.cursor >= len(f.events) {
		return nil, false, nil
	}
	evt := f.events[f.cursor]
	f.cursor++
	return evt, true, nil
}

// Close implements Source. The file backend holds no resources between
// calls to Next (every page is read eagerly in NewFileSource), so Close is
// a no-op.
func (f *FileSource) Close() error {
	return nil
}
