package incremental

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-connectors/pkg/json"
)

// Codec converts cursor values from records and persisted state.
type Codec[T any] interface {
	Decode(v any) (T, error)
	Encode(v T) any
}

// TimeCodec reads RFC3339 timestamps, plain dates and epoch seconds, and
// persists UTC RFC3339 strings.
type TimeCodec struct{}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// Decode implements Codec.
func (TimeCodec) Decode(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f), nil
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", x)
	case float64:
		return epoch(x), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case int:
		return time.Unix(int64(x), 0).UTC(), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return epoch(f), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

// Encode implements Codec.
func (TimeCodec) Encode(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

func epoch(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// NewTimeCursor creates a max-watermark cursor over a timestamp field.
func NewTimeCursor(field string, initial time.Time) *Cursor[time.Time] {
	return &Cursor[time.Time]{
		Field:    field,
		Initial:  initial.UTC(),
		Compare:  func(a, b time.Time) int { return a.Compare(b) },
		Codec:    TimeCodec{},
		EndBound: Open,
	}
}
