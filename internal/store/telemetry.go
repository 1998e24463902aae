package store

import (
	"context"
	"time"
)

// InsertTelemetrySample records one device telemetry reading (battery,
// signal strength, temperature, whatever the profile reports).
func (db *DB) InsertTelemetrySample(ctx context.Context, deviceID, metric string, value float64, sampledAt time.Time) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO telemetry_samples (device_id, metric, value, sampled_at) VALUES ($1, $2, $3, $4)`,
		deviceID, metric, value, sampledAt,
	)
	return err
}

// TelemetrySample is one reading returned by a range query.
type TelemetrySample struct {
	Metric    string
	Value     float64
	SampledAt time.Time
}

// TelemetryRange returns a device metric's samples within [from, to), oldest first.
func (db *DB) TelemetryRange(ctx context.Context, deviceID, metric string, from, to time.Time) ([]TelemetrySample, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT metric, value, sampled_at FROM telemetry_samples
		 WHERE device_id = $1 AND metric = $2 AND sampled_at >= $3 AND sampled_at < $4
		 ORDER BY sampled_at ASC`,
		deviceID, metric, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetrySample
	for rows.Next() {
		var s TelemetrySample
		if err := rows.Scan(&s.Metric, &s.Value, &s.SampledAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertObservabilitySample records an internal runtime metric snapshot
// (queue depth, worker utilization, cache hit rate) for historical
// debugging through the control API, distinct from live Prometheus scrape
// state.
func (db *DB) InsertObservabilitySample(ctx context.Context, component, metric string, value float64, labels map[string]string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO observability_samples (component, metric, value, labels) VALUES ($1, $2, $3, $4)`,
		component, metric, value, labelsToJSONB(labels),
	)
	return err
}

func labelsToJSONB(labels map[string]string) map[string]any {
	out := make(map[string]any, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
