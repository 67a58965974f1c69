package eventsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSwapPage(t *testing.T, dir, name string, poolID string, txs []struct {
	digest string
	ts     int64
	seq    string
}) {
	t.Helper()

	var data []byte
	data = append(data, []byte(`{"cursor":null,"nextCursor":null,"data":[`)...)
	for i, tx := range txs {
		if i > 0 {
			data = append(data, ',')
		}
		evt := `{"id":{"txDigest":"` + tx.digest + `","eventSeq":"` + tx.seq + `"},` +
			`"type":"0xabc::trade::SwapEvent",` +
			`"parsedJson":{"amount_x":"1","amount_y":"2","fee_amount":"10",` +
			`"liquidity":"1000000","pool_id":"` + poolID + `","protocol_fee":"0",` +
			`"reserve_x":"1","reserve_y":"1","sqrt_price_after":"18446744073709551616",` +
			`"sqrt_price_before":"18446744073709551616","tick_index":{"bits":0},"x_for_y":true}}`
		txJSON := `{"digest":"` + tx.digest + `","timestampMs":"` + itoa(tx.ts) + `","checkpoint":"1","events":[` + evt + `]}`
		data = append(data, txJSON...)
	}
	data = append(data, []byte(`]}`)...)

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestFileSourceAutoDetectsDescendingPageOrder(t *testing.T) {
	dir := t.TempDir()

	// page_00000.json holds the LATER timestamps; page_00001.json holds the
	// earlier ones, per spec.md §8 scenario 7.
	writeSwapPage(t, dir, "page_00000.json", "pool-a", []struct {
		digest string
		ts     int64
		seq    string
	}{
		{digest: "tx3", ts: 3000, seq: "0"},
		{digest: "tx4", ts: 4000, seq: "0"},
	})
	writeSwapPage(t, dir, "page_00001.json", "pool-a", []struct {
		digest string
		ts     int64
		seq    string
	}{
		{digest: "tx1", ts: 1000, seq: "0"},
		{digest: "tx2", ts: 2000, seq: "0"},
	})

	src, err := NewFileSource(dir, "pool-a", 0, 10000)
	require.NoError(t, err)

	var gotTimestamps []int64
	ctx := context.Background()
	for {
		evt, ok, err := src.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		gotTimestamps = append(gotTimestamps, evt.TimestampMs)
	}

	assert.Equal(t, []int64{1000, 2000, 3000, 4000}, gotTimestamps)
}

func TestFileSourceFiltersTimeRangeAndTerminates(t *testing.T) {
	dir := t.TempDir()
	writeSwapPage(t, dir, "page_00000.json", "pool-a", []struct {
		digest string
		ts     int64
		seq    string
	}{
		{digest: "tx1", ts: 500, seq: "0"},
		{digest: "tx2", ts: 1500, seq: "0"},
		{digest: "tx3", ts: 5000, seq: "0"},
	})

	src, err := NewFileSource(dir, "pool-a", 1000, 2000)
	require.NoError(t, err)

	var digests []string
	ctx := context.Background()
	for {
		evt, ok, err := src.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		digests = append(digests, evt.Digest)
	}
	assert.Equal(t, []string{"tx2"}, digests)
}

func TestFileSourceMissingDirIsFatal(t *testing.T) {
	_, err := NewFileSource("/no/such/dir/at/all", "pool-a", 0, 1000)
	assert.Error(t, err)
}
