package influxdb

import (
	"strconv"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/opcproxy/internal/item"
)

// Measurement is the InfluxDB measurement item changes are written to.
const Measurement = "item_values"

// ItemChanged writes one point for a value or quality change.
// It never blocks; points are batched by the write API.
func (c *Client) ItemChanged(ch item.Change) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(changePoint(ch))
}

// changePoint converts a change into a point.
//
// Tags: item, type, source. Fields: value (string), quality (int) and,
// for every type except STRING and CHAR, numeric (float).
func changePoint(ch item.Change) *write.Point {
	fields := map[string]any{
		"value":   ch.Value,
		"quality": int64(ch.Quality),
	}
	if n, ok := numeric(ch.Type, ch.Value); ok {
		fields["numeric"] = n
	}

	return write.NewPoint(
		Measurement,
		map[string]string{
			"item":   ch.Name,
			"type":   ch.Type.String(),
			"source": string(ch.Source),
		},
		fields,
		ch.At,
	)
}

// numeric returns the float form of numeric and boolean values.
func numeric(t item.Type, value string) (float64, bool) {
	switch t {
	case item.TypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return 0, false
		}
		if b {
			return 1, true
		}
		return 0, true
	case item.TypeByte, item.TypeWord, item.TypeLong, item.TypeDWord:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
