package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/feed-data-realtime/internal/models"
)

const sparkPoints = 20

// ErrNotFound is returned when the requested instrument has no rows.
var ErrNotFound = errors.New("instrument not found")

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Instruments serves read queries over market_data and its history tables,
// plus the trusted price write that feeds the notification trigger.
type Instruments struct {
	db DB
}

func NewInstruments(db DB) *Instruments {
	return &Instruments{db: db}
}

const instrumentColumns = `instrument_id, code, symbol, last_price::float8, prev_price::float8, change::float8, volume`

// List returns the first limit instruments ordered by id.
func (r *Instruments) List(ctx context.Context, limit int) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM market_data ORDER BY instrument_id ASC LIMIT $1`, limit)
}

// Search matches code or symbol case-insensitively.
func (r *Instruments) Search(ctx context.Context, term string, limit int) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM market_data
		WHERE code ILIKE $1 OR symbol ILIKE $1
		ORDER BY instrument_id ASC
		LIMIT $2`, "%"+escapeLike(term)+"%", limit)
}

func (r *Instruments) TopGainers(ctx context.Context, limit int) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM market_data
		WHERE change > 0
		ORDER BY change DESC
		LIMIT $1`, limit)
}

func (r *Instruments) TopLosers(ctx context.Context, limit int) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, `SELECT `+instrumentColumns+` FROM market_data
		WHERE change < 0
		ORDER BY change ASC
		LIMIT $1`, limit)
}

// Detail aggregates the last 24 hours of chart rows for one instrument.
func (r *Instruments) Detail(ctx context.Context, id int64) (models.InstrumentDetail, error) {
	var (
		d     = models.InstrumentDetail{InstrumentID: id}
		count int64
	)
	err := r.db.QueryRow(ctx, `SELECT
			COUNT(*),
			COALESCE(MAX(high_price), 0)::float8,
			COALESCE(MIN(low_price), 0)::float8,
			COALESCE(SUM(volume), 0)::float8
		FROM market_data_chart
		WHERE instrument_id = $1 AND "timestamp" >= now() - INTERVAL '24 hours'`, id,
	).Scan(&count, &d.High24, &d.Low24, &d.Vol24)
	if err != nil {
		return models.InstrumentDetail{}, fmt.Errorf("query instrument detail: %w", err)
	}
	if count == 0 {
		return models.InstrumentDetail{}, ErrNotFound
	}
	return d, nil
}

// Chart aggregates chart rows in [from, to) into OHLCV candles of the given
// interval width.
func (r *Instruments) Chart(ctx context.Context, id int64, interval models.ChartInterval, from, to time.Time) ([]models.ChartCandle, error) {
	width, ok := interval.Duration()
	if !ok {
		return nil, fmt.Errorf("unsupported chart interval %q", interval)
	}
	rows, err := r.db.Query(ctx, `SELECT
			bucket,
			(array_agg(open_price ORDER BY "timestamp" ASC))[1]::float8,
			(array_agg(close_price ORDER BY "timestamp" DESC))[1]::float8,
			MAX(high_price)::float8,
			MIN(low_price)::float8,
			COALESCE(SUM(volume), 0)::float8
		FROM (
			SELECT date_bin($2::interval, "timestamp", TIMESTAMPTZ '2000-01-01 00:00:00+00') AS bucket,
				open_price, close_price, high_price, low_price, volume, "timestamp"
			FROM market_data_chart
			WHERE instrument_id = $1 AND "timestamp" >= $3 AND "timestamp" < $4
		) c
		GROUP BY bucket
		ORDER BY bucket ASC`,
		id, fmt.Sprintf("%d seconds", int64(width/time.Second)), from, to)
	if err != nil {
		return nil, fmt.Errorf("query chart: %w", err)
	}
	defer rows.Close()

	candles := []models.ChartCandle{}
	for rows.Next() {
		c := models.ChartCandle{InstrumentID: id}
		if err := rows.Scan(&c.Timestamp, &c.OpenPrice, &c.ClosePrice, &c.HighPrice, &c.LowPrice, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan chart: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chart: %w", err)
	}
	return candles, nil
}

// UpdatePrice writes a trusted price update. The market_data trigger records
// history and raises the notification the listener forwards.
func (r *Instruments) UpdatePrice(ctx context.Context, u models.PriceUpdate) error {
	tag, err := r.db.Exec(ctx, `UPDATE market_data
		SET last_price = $2, prev_price = $3, change = $4, updated_at = now()
		WHERE instrument_id = $1`, u.InstrumentID, u.LastPrice, u.PrevPrice, u.Change)
	if err != nil {
		return fmt.Errorf("update instrument %d: %w", u.InstrumentID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Instruments) queryInstruments(ctx context.Context, sql string, args ...any) ([]models.Instrument, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	instruments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Instrument, error) {
		var i models.Instrument
		err := row.Scan(&i.InstrumentID, &i.Code, &i.Symbol, &i.LastPrice, &i.PrevPrice, &i.Change, &i.Volume)
		return i, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan instruments: %w", err)
	}
	if err := r.attachSparks(ctx, instruments); err != nil {
		return nil, err
	}
	return instruments, nil
}

// attachSparks loads up to sparkPoints prices from the last 24 hours for all
// instruments in one query.
func (r *Instruments) attachSparks(ctx context.Context, instruments []models.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	ids := make([]int64, len(instruments))
	index := make(map[int64]int, len(instruments))
	for i := range instruments {
		ids[i] = instruments[i].InstrumentID
		index[instruments[i].InstrumentID] = i
		instruments[i].Spark = []models.SparkPoint{}
	}

	rows, err := r.db.Query(ctx, `SELECT instrument_id, price::float8 FROM (
			SELECT instrument_id, price, recorded_at, id,
				row_number() OVER (PARTITION BY instrument_id ORDER BY recorded_at ASC, id ASC) AS rn
			FROM market_price_history
			WHERE instrument_id = ANY($1) AND recorded_at >= now() - INTERVAL '24 hours'
		) h
		WHERE rn <= $2
		ORDER BY instrument_id, recorded_at ASC, id ASC`, ids, sparkPoints)
	if err != nil {
		return fmt.Errorf("query spark: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			price float64
		)
		if err := rows.Scan(&id, &price); err != nil {
			return fmt.Errorf("scan spark: %w", err)
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		spark := instruments[i].Spark
		instruments[i].Spark = append(spark, models.SparkPoint{X: float64(len(spark)), Y: price})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate spark: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
