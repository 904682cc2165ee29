package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/models"
)

func encodeChannels(channels []models.ChannelTarget) ([]byte, error) {
	keyed := make([]models.ChannelTarget, len(channels))
	for i, ch := range channels {
		ch.ID = ch.Key()
		keyed[i] = ch
	}
	raw, err := json.Marshal(keyed)
	if err != nil {
		return nil, fmt.Errorf("encode channels: %w", err)
	}
	return raw, nil
}

func decodeChannels(raw []byte) ([]models.ChannelTarget, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var channels []models.ChannelTarget
	if err := json.Unmarshal(raw, &channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return channels, nil
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseDecimalPtr(field string, v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := parseDecimal(field, *v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

func cooldownNanos(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	v := int64(*d)
	return &v
}

func nanosCooldown(v *int64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v)
	return &d
}

// SQLite keeps timestamps as unix nanoseconds.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func toNanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := toNanos(*t)
	return &v
}

func fromNanosPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromNanos(*v)
	return &t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
