package repo

import (
	"encoding/json"

	"github.com/cngnramp/backend"
	"gorm.io/gorm/clause"
)

// encodeMetadata serializes OfframpMetadata to a JSON document suitable for
// a jsonb column. Encoding failures collapse to an empty object rather than
// propagating: metadata is diagnostic, never load-bearing for correctness.
func encodeMetadata(m rampcore.OfframpMetadata) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(raw string) rampcore.OfframpMetadata {
	var m rampcore.OfframpMetadata
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

// onConflictDoNothing builds the ON CONFLICT DO NOTHING clause used by
// LogWebhookEvent to make replayed deliveries a silent no-op insert instead
// of a constraint-violation error.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}
