package telemetry

import (
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/treasury/internal/compliance"
)

// Recorder writes one point per treasury movement to InfluxDB using the
// non-blocking write API.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewRecorder connects a movement recorder to InfluxDB.
func NewRecorder(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// Movement records one executed movement.
func (r *Recorder) Movement(rec *compliance.Record) {
	amount, _ := rec.Amount.Float64()
	p := influxdb2.NewPoint("treasury_movement",
		map[string]string{
			"source":    string(rec.Source),
			"recipient": rec.Recipient,
			"rule_id":   strconv.FormatUint(rec.RuleID, 10),
		},
		map[string]interface{}{
			"amount":   amount,
			"sequence": int64(rec.Sequence),
		},
		rec.Timestamp,
	)
	r.write.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	r.write.Flush()
	r.client.Close()
}
