package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// recordID extracts the remote id as a string
func recordID(fields map[string]interface{}) (string, bool) {
	switch v := fields["id"].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int, int64:
		return fmt.Sprint(v), true
	}
	return "", false
}

func parseCoordinates(fields map[string]interface{}) (*float64, *float64) {
	lat := firstFloat(fields, "latitude", "lat")
	lng := firstFloat(fields, "longitude", "lng")
	if lat == nil || lng == nil || math.Abs(*lat) > 90 || math.Abs(*lng) > 180 {
		return nil, nil
	}
	return lat, lng
}

func firstFloat(fields map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		if f, ok := toFloat(fields[k]); ok {
			return &f
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
