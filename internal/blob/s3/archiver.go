package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/alanyoungcy/algofeed/internal/domain"
)

// Format selects the archive file encoding.
type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// ParseFormat defaults to JSONL for anything other than "parquet".
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatParquet)) {
		return FormatParquet
	}
	return FormatJSONL
}

// RangeStore is the read side the archiver needs from each store.
type RangeStore[T any] interface {
	ListRange(ctx context.Context, from, to time.Time) ([]T, error)
	Oldest(ctx context.Context) (time.Time, bool, error)
}

// ArchiverConfig controls file layout.
type ArchiverConfig struct {
	Format Format
	// Window is the time span covered by one archive file.
	Window time.Duration
	// MultipartThreshold switches uploads to multipart above this size.
	MultipartThreshold int64
}

// Archiver implements domain.Archiver. It walks each table from its oldest
// row to the cutoff in fixed windows and uploads one file per non-empty
// window to archive/{table}/{yyyy-mm}/{window start unix}.{ext}. Rows are
// never deleted here; retention does that afterwards.
type Archiver struct {
	cfg    ArchiverConfig
	blob   domain.BlobWriter
	ticks  RangeStore[domain.Tick]
	depth  RangeStore[domain.DepthSnapshot]
	orders RangeStore[domain.OrderStatus]
	logger *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver.
func NewArchiver(
	cfg ArchiverConfig,
	blob domain.BlobWriter,
	ticks RangeStore[domain.Tick],
	depth RangeStore[domain.DepthSnapshot],
	orders RangeStore[domain.OrderStatus],
	logger *slog.Logger,
) *Archiver {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 * 1024 * 1024
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSONL
	}
	return &Archiver{
		cfg:    cfg,
		blob:   blob,
		ticks:  ticks,
		depth:  depth,
		orders: orders,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Archive uploads every row of kind older than before and returns the count.
func (a *Archiver) Archive(ctx context.Context, kind domain.EventKind, before time.Time) (int64, error) {
	switch kind {
	case domain.KindTick:
		return archiveTable(ctx, a, "market_ticks", a.ticks, before, tickRecords)
	case domain.KindDepth:
		return archiveTable(ctx, a, "order_book_snapshots", a.depth, before, depthRecords)
	case domain.KindOrderStatus:
		return archiveTable(ctx, a, "order_status_history", a.orders, before, orderRecords)
	}
	return 0, fmt.Errorf("s3blob: archive %q: %w", kind, domain.ErrUnknownType)
}

func archiveTable[T any, R any](
	ctx context.Context,
	a *Archiver,
	table string,
	store RangeStore[T],
	before time.Time,
	toRecords func([]T) []R,
) (int64, error) {
	oldest, ok, err := store.Oldest(ctx)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: oldest: %w", table, err)
	}
	if !ok || !oldest.Before(before) {
		return 0, nil
	}

	var total int64
	for from := oldest.UTC().Truncate(a.cfg.Window); from.Before(before); from = from.Add(a.cfg.Window) {
		to := from.Add(a.cfg.Window)
		if to.After(before) {
			to = before
		}

		rows, err := store.ListRange(ctx, from, to)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s: list %s: %w", table, from.Format(time.RFC3339), err)
		}
		if len(rows) == 0 {
			continue
		}

		var data []byte
		if a.cfg.Format == FormatParquet {
			data, err = encodeParquet(toRecords(rows))
		} else {
			data, err = marshalJSONL(rows)
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s: encode: %w", table, err)
		}

		path := archivePath(table, from, a.cfg.Format)
		if err := a.upload(ctx, path, data); err != nil {
			return total, err
		}
		total += int64(len(rows))
		a.logger.Info("archived window",
			slog.String("table", table),
			slog.String("path", path),
			slog.Int("rows", len(rows)),
			slog.Int("bytes", len(data)),
		)
	}
	return total, nil
}

func (a *Archiver) upload(ctx context.Context, path string, data []byte) error {
	if int64(len(data)) > a.cfg.MultipartThreshold {
		return a.blob.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	}
	contentType := "application/x-ndjson"
	if a.cfg.Format == FormatParquet {
		contentType = "application/vnd.apache.parquet"
	}
	return a.blob.Put(ctx, path, bytes.NewReader(data), contentType)
}

// archivePath builds the object key, e.g.
//
//	archive/market_ticks/2024-03/1710496800.jsonl
func archivePath(table string, from time.Time, format Format) string {
	return fmt.Sprintf("archive/%s/%s/%d.%s", table, from.UTC().Format("2006-01"), from.Unix(), format)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// --------------------------------------------------------------------------
// Parquet
// --------------------------------------------------------------------------

type tickRecord struct {
	Symbol      string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time        int64  `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price       string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity    int64  `parquet:"name=quantity, type=INT64"`
	Bid         string `parquet:"name=bid, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ask         string `parquet:"name=ask, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidSize     int64  `parquet:"name=bid_size, type=INT64"`
	AskSize     int64  `parquet:"name=ask_size, type=INT64"`
	TotalVolume int64  `parquet:"name=total_volume, type=INT64"`
	Value       string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction   string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt  int64  `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type depthRecord struct {
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time       int64  `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Bids       string `parquet:"name=bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asks       string `parquet:"name=asks, type=BYTE_ARRAY, convertedtype=UTF8"`
	Spread     string `parquet:"name=spread, type=BYTE_ARRAY, convertedtype=UTF8"`
	MidPrice   string `parquet:"name=mid_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt int64  `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type orderRecord struct {
	OrderID        string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol         string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         int32  `parquet:"name=status, type=INT32"`
	StatusText     string `parquet:"name=status_text, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity       int64  `parquet:"name=quantity, type=INT64"`
	FilledQuantity int64  `parquet:"name=filled_quantity, type=INT64"`
	Price          string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time           int64  `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func tickRecords(ticks []domain.Tick) []tickRecord {
	out := make([]tickRecord, len(ticks))
	for i, t := range ticks {
		out[i] = tickRecord{
			Symbol:      t.Symbol,
			Time:        t.Time.UnixMilli(),
			Price:       t.Price.String(),
			Quantity:    t.Quantity,
			Bid:         t.Bid.String(),
			Ask:         t.Ask.String(),
			BidSize:     t.BidSize,
			AskSize:     t.AskSize,
			TotalVolume: t.TotalVolume,
			Value:       t.Value.String(),
			Direction:   string(t.Direction),
			ReceivedAt:  t.ReceivedAt.UnixMilli(),
		}
	}
	return out
}

func depthRecords(snaps []domain.DepthSnapshot) []depthRecord {
	out := make([]depthRecord, len(snaps))
	for i, d := range snaps {
		bids, _ := json.Marshal(d.Bids)
		asks, _ := json.Marshal(d.Asks)
		out[i] = depthRecord{
			Symbol:     d.Symbol,
			Time:       d.Time.UnixMilli(),
			Bids:       string(bids),
			Asks:       string(asks),
			Spread:     d.Spread().String(),
			MidPrice:   d.MidPrice().String(),
			ReceivedAt: d.ReceivedAt.UnixMilli(),
		}
	}
	return out
}

func orderRecords(updates []domain.OrderStatus) []orderRecord {
	out := make([]orderRecord, len(updates))
	for i, o := range updates {
		out[i] = orderRecord{
			OrderID:        o.OrderID,
			Symbol:         o.Symbol,
			Status:         int32(o.Status),
			StatusText:     o.StatusText,
			Quantity:       o.Quantity,
			FilledQuantity: o.FilledQuantity,
			Price:          o.Price.String(),
			Time:           o.Time.UnixMilli(),
		}
	}
	return out
}

func encodeParquet[R any](records []R) ([]byte, error) {
	var buf bytes.Buffer
	pw, err := writer.NewParquetWriterFromWriter(&buf, new(R), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return buf.Bytes(), nil
}
