package twinguard

import (
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"gocloud.dev/pubsub"
)

func init() {
	gob.Register(AuditRecord{})
}

// AuditKind names the category of an audit record.
type AuditKind string

const (
	AuditAnomaly             AuditKind = "anomaly"
	AuditIsolationTransition AuditKind = "isolation_transition"
	AuditArbiterOverride     AuditKind = "arbiter_override"
)

// An AuditRecord is one append-only, tamper-evident entry destined for the
// external audit sink. Every anomaly, isolation-record transition, and arbiter
// override produces exactly one record; none may silently disappear.
type AuditRecord struct {
	ID       string
	Kind     AuditKind
	DeviceID DeviceID
	// AnomalyID links the record to the detection that caused it, when any.
	AnomalyID string
	// Classification is the record's categorical label: a severity tier for
	// anomalies, a state-machine transition for isolation records, a verdict
	// for arbiter overrides.
	Classification string
	Note           string
	At             time.Time
}

// An Auditor appends records to the audit trail.
//
// Implementations must tolerate concurrent calls. A failed append is the
// implementation's problem to surface (log, retry, alert); callers treat the
// trail as an external collaborator and never fail protective actions on its
// account.
type Auditor interface {
	Record(ctx context.Context, record AuditRecord) error
}

// TopicAuditor publishes audit records to a pubsub topic as gob messages, for
// delivery into tamper-evident persistent storage downstream.
type TopicAuditor struct {
	Topic *pubsub.Topic
}

func (a TopicAuditor) Record(ctx context.Context, record AuditRecord) error {
	if err := publishGob(ctx, a.Topic, record); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// MultiAuditor fans one record out to several auditors, e.g. a pubsub stream
// for live consumers plus the Neo4j archive. It returns the first error but
// still offers the record to every auditor.
type MultiAuditor []Auditor

func (m MultiAuditor) Record(ctx context.Context, record AuditRecord) error {
	var first error
	for _, a := range m {
		if err := a.Record(ctx, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}
