// SPDX-License-Identifier: MIT

package sink

import (
	"log/slog"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/config"
	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/scoring"
)

// Sink bundles the publisher and the optional CSV audit writer behind the
// single entry point the scoring/event pipeline calls into.
type Sink struct {
	publisher *Publisher
	audit     *AuditWriter // nil when sound_log is disabled
}

// New builds a Sink: an MQTT publisher (always) plus a CSV audit writer
// when soundLogEnabled is true.
func New(mqttCfg config.MQTTConfig, soundLogEnabled bool, logDir string, startedAt time.Time, log *slog.Logger) (*Sink, error) {
	s := &Sink{publisher: NewPublisher(mqttCfg, log)}

	if soundLogEnabled {
		audit, err := NewAuditWriter(logDir, startedAt, log)
		if err != nil {
			return nil, err
		}
		s.audit = audit
	}

	return s, nil
}

// EmitEvent publishes ev and, if enabled, appends it to the audit CSV.
func (s *Sink) EmitEvent(ev events.Event) {
	s.publisher.Publish(ev)
	if s.audit != nil {
		s.audit.WriteEvent(ev)
	}
}

// EmitClassDetections appends every noise-filtered class detection to the
// audit CSV (a no-op when disabled). These never reach the publisher —
// only group-level start/stop events are published (spec.md §4.6).
func (s *Sink) EmitClassDetections(camera string, detections []scoring.ClassDetection, at time.Time) {
	if s.audit == nil {
		return
	}
	for _, d := range detections {
		s.audit.WriteClassDetection(camera, d, at)
	}
}

// Close releases the publisher connection and the audit file.
func (s *Sink) Close() error {
	s.publisher.Close()
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}
