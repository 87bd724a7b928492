// Package metrics records allocation-engine events. PromSink exposes them as
// Prometheus metrics; NopSink discards them.
package metrics

// Sink receives engine events. Calls happen on the tick goroutine and must not
// block.
type Sink interface {
	RecordRunStarted(family string, multiplier int, cached bool)
	RecordRunCompleted(family string, multiplier int)
	RecordRunAborted(family, reason string)
	RecordJam(family, reason string)
	RecordBlocked(reason string)
	RecordSearchMiss(family string, malformed bool)
}

// NopSink implements Sink with no-op methods.
type NopSink struct{}

func (NopSink) RecordRunStarted(string, int, bool) {}
func (NopSink) RecordRunCompleted(string, int)     {}
func (NopSink) RecordRunAborted(string, string)    {}
func (NopSink) RecordJam(string, string)           {}
func (NopSink) RecordBlocked(string)               {}
func (NopSink) RecordSearchMiss(string, bool)      {}

// Config selects the exporter.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	Addr              string `json:"addr"`
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9102"
	}
}
