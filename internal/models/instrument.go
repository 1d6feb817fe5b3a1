package models

import (
	"time"
)

// PriceUpdate is the minimal price movement record re-broadcast to clients.
type PriceUpdate struct {
	InstrumentID int64   `json:"instrument_id"`
	LastPrice    float64 `json:"last_price"`
	PrevPrice    float64 `json:"prev_price"`
	Change       float64 `json:"change"`
}

// Envelope is the only inbound client message: a claimed producer identity
// paired with one price update.
type Envelope struct {
	ClientID   string      `json:"client_id"`
	Instrument PriceUpdate `json:"instrument"`
}

// EnvelopeFrame is the wire form of Envelope. Pointer fields let validation
// tell a missing field apart from a zero value.
type EnvelopeFrame struct {
	ClientID   *string           `json:"client_id" validate:"required"`
	Instrument *PriceUpdateFrame `json:"instrument" validate:"required"`
}

type PriceUpdateFrame struct {
	InstrumentID *int64   `json:"instrument_id" validate:"required"`
	LastPrice    *float64 `json:"last_price" validate:"required"`
	PrevPrice    *float64 `json:"prev_price" validate:"required"`
	Change       *float64 `json:"change" validate:"required"`
}

// Envelope converts a validated frame. It must only be called after the frame
// passed validation.
func (f EnvelopeFrame) Envelope() Envelope {
	return Envelope{
		ClientID: *f.ClientID,
		Instrument: PriceUpdate{
			InstrumentID: *f.Instrument.InstrumentID,
			LastPrice:    *f.Instrument.LastPrice,
			PrevPrice:    *f.Instrument.PrevPrice,
			Change:       *f.Instrument.Change,
		},
	}
}

type SparkPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Instrument is one row of market_data with its recent price history.
type Instrument struct {
	InstrumentID int64        `json:"instrument_id"`
	Code         string       `json:"code"`
	Symbol       string       `json:"symbol"`
	LastPrice    float64      `json:"last_price"`
	PrevPrice    float64      `json:"prev_price"`
	Change       float64      `json:"change"`
	Volume       int64        `json:"volume"`
	Spark        []SparkPoint `json:"spark"`
}

// InstrumentDetail aggregates the last 24 hours of chart data.
type InstrumentDetail struct {
	InstrumentID int64   `json:"instrument_id"`
	Vol24        float64 `json:"vol_24"`
	High24       float64 `json:"high_24"`
	Low24        float64 `json:"low_24"`
}

type ChartCandle struct {
	InstrumentID int64     `json:"instrument_id"`
	OpenPrice    float64   `json:"open_price"`
	ClosePrice   float64   `json:"close_price"`
	HighPrice    float64   `json:"high_price"`
	LowPrice     float64   `json:"low_price"`
	Volume       float64   `json:"volume"`
	Timestamp    time.Time `json:"timestamp"`
}

// ChartInterval is the bucket width used for chart aggregation.
type ChartInterval string

const (
	Interval1Min   ChartInterval = "1m"
	Interval5Min   ChartInterval = "5m"
	Interval30Min  ChartInterval = "30m"
	Interval1Hour  ChartInterval = "1h"
	Interval1Day   ChartInterval = "1d"
	Interval1Month ChartInterval = "1M"
)

// Duration returns the bucket width; months are approximated as 30 days.
func (i ChartInterval) Duration() (time.Duration, bool) {
	switch i {
	case Interval1Min:
		return time.Minute, true
	case Interval5Min:
		return 5 * time.Minute, true
	case Interval30Min:
		return 30 * time.Minute, true
	case Interval1Hour:
		return time.Hour, true
	case Interval1Day:
		return 24 * time.Hour, true
	case Interval1Month:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}
