package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

type memBlob struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte), contentTypes: make(map[string]string)}
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = buf
	b.contentTypes[path] = contentType
	return nil
}

func (b *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "multipart")
}

func (b *memBlob) paths() []string {
	out := make([]string, 0, len(b.objects))
	for p := range b.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type memRange[T domain.MarketEvent] struct {
	rows []T
	err  error
}

func (s memRange[T]) ListRange(_ context.Context, from, to time.Time) ([]T, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []T
	for _, r := range s.rows {
		if !r.EventTime().Before(from) && r.EventTime().Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s memRange[T]) Oldest(context.Context) (time.Time, bool, error) {
	if len(s.rows) == 0 {
		return time.Time{}, false, nil
	}
	oldest := s.rows[0].EventTime()
	for _, r := range s.rows[1:] {
		if r.EventTime().Before(oldest) {
			oldest = r.EventTime()
		}
	}
	return oldest, true, nil
}

var day = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func testTicks() []domain.Tick {
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	price := decimal.RequireFromString("45.62")
	return []domain.Tick{
		{Symbol: "GARAN", Price: price, Quantity: 10, Time: at(9, 15)},
		{Symbol: "GARAN", Price: price, Quantity: 20, Time: at(9, 45)},
		{Symbol: "THYAO", Price: price, Quantity: 30, Time: at(11, 5)},
		{Symbol: "THYAO", Price: price, Quantity: 40, Time: at(13, 0)},
	}
}

func newTestArchiver(format Format, blob *memBlob, ticks []domain.Tick) *Archiver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewArchiver(
		ArchiverConfig{Format: format},
		blob,
		memRange[domain.Tick]{rows: ticks},
		memRange[domain.DepthSnapshot]{},
		memRange[domain.OrderStatus]{},
		logger,
	)
}

func TestArchiveJSONLWindows(t *testing.T) {
	blob := newMemBlob()
	a := newTestArchiver(FormatJSONL, blob, testTicks())

	n, err := a.Archive(context.Background(), domain.KindTick, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	nine := day.Add(9 * time.Hour).Unix()
	eleven := day.Add(11 * time.Hour).Unix()
	assert.Equal(t, []string{
		archivePath("market_ticks", time.Unix(nine, 0), FormatJSONL),
		archivePath("market_ticks", time.Unix(eleven, 0), FormatJSONL),
	}, blob.paths())
	assert.Equal(t, "archive/market_ticks/2024-03/1710493200.jsonl", blob.paths()[0])

	var lines []domain.Tick
	sc := bufio.NewScanner(bytes.NewReader(blob.objects[blob.paths()[0]]))
	for sc.Scan() {
		var tk domain.Tick
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tk))
		lines = append(lines, tk)
	}
	require.Len(t, lines, 2)
	assert.EqualValues(t, 20, lines[1].Quantity)
	assert.Equal(t, "application/x-ndjson", blob.contentTypes[blob.paths()[0]])
}

func TestArchiveParquet(t *testing.T) {
	blob := newMemBlob()
	a := newTestArchiver(FormatParquet, blob, testTicks())

	n, err := a.Archive(context.Background(), domain.KindTick, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	require.Len(t, blob.objects, 3)

	for _, p := range blob.paths() {
		data := blob.objects[p]
		assert.True(t, bytes.HasPrefix(data, []byte("PAR1")), p)
		assert.True(t, bytes.HasSuffix(data, []byte("PAR1")), p)
		assert.Contains(t, p, ".parquet")
	}
}

func TestArchiveNothingOlder(t *testing.T) {
	blob := newMemBlob()
	a := newTestArchiver(FormatJSONL, blob, testTicks())

	n, err := a.Archive(context.Background(), domain.KindTick, day)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)

	n, err = a.Archive(context.Background(), domain.KindDepth, day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveListError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boom := errors.New("boom")
	a := NewArchiver(ArchiverConfig{}, newMemBlob(),
		memRange[domain.Tick]{rows: testTicks(), err: boom},
		memRange[domain.DepthSnapshot]{}, memRange[domain.OrderStatus]{}, logger)

	_, err := a.Archive(context.Background(), domain.KindTick, day.Add(24*time.Hour))
	assert.ErrorIs(t, err, boom)

	_, err = a.Archive(context.Background(), domain.KindHeartbeat, day)
	assert.ErrorIs(t, err, domain.ErrUnknownType)
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatParquet, ParseFormat(" Parquet "))
	assert.Equal(t, FormatJSONL, ParseFormat("jsonl"))
	assert.Equal(t, FormatJSONL, ParseFormat(""))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}
