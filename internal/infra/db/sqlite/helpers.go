package sqlite

import (
	"database/sql"
	"time"

	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/domain/probmap"
)

// Timestamps are stored as RFC3339 text in UTC with the fraction kept at
// fixed width so the text sorts in time order. RFC3339Nano trims trailing
// zeros, which puts a whole-second stamp after any fractional one in the
// same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime stays on RFC3339Nano, which reads both fraction widths.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullResult(r *domain.ChannelResult) interface{} {
	if r == nil {
		return nil
	}
	return probmap.Encode(r.Values)
}

func nullFeedback(r *domain.ChannelResult) interface{} {
	if r == nil || r.Feedback == nil {
		return nil
	}
	return boolToInt(*r.Feedback)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// channelResult rebuilds a channel slot from its column pair. An
// unreadable result text becomes an empty map rather than a load error;
// the store never rejects a row over one bad cell.
func channelResult(res sql.NullString, fb sql.NullBool) *domain.ChannelResult {
	if !res.Valid {
		return nil
	}
	values := probmap.Decode(res.String)
	if values == nil {
		values = map[string]float64{}
	}
	out := &domain.ChannelResult{Values: values}
	if fb.Valid {
		v := fb.Bool
		out.Feedback = &v
	}
	return out
}
