// Package neo4jaudit persists the orchestrator's audit trail in a Neo4j graph.
//
// Every anomaly, isolation transition, and arbiter override becomes one
// append-only AuditRecord node connected to its Device node, so investigators
// can walk a device's full protective history. Records are only ever created,
// never updated or deleted: tamper evidence relies on the trail being
// append-only.
package neo4jaudit

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/twinguard/twinguard"
)

// Archive appends audit records to a Neo4j database. It implements
// twinguard.Auditor.
//
// Each append runs in its own write transaction, which is rolled back should
// the append fail, so a record is either fully archived or not at all. Archive
// is safe for concurrent use; the underlying driver pools sessions.
type Archive struct {
	driver   neo4j.DriverWithContext
	database string
}

// New returns an Archive writing to the given database. Call Bootstrap once
// per database before the first append.
func New(driver neo4j.DriverWithContext, database string) *Archive {
	return &Archive{driver: driver, database: database}
}

// Record appends one audit record.
func (a *Archive) Record(ctx context.Context, record twinguard.AuditRecord) (err error) {
	ctx, span := tracer.Start(ctx, "Archive.Record", trace.WithAttributes(
		attribute.String("neo4j.database", a.database),
		attribute.String("audit.kind", string(record.Kind)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			archiveFailures.Add(ctx, 1)
		}
	}()

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: a.database,
	})
	defer func() { _ = session.Close(ctx) }()

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// CREATE, never MERGE, for the record itself: the trail is append-only
		// and duplicate ids are rejected by the bootstrap constraint.
		query := `
			MERGE (d:Device {id: $device})
			CREATE (r:AuditRecord {
				id: $id,
				kind: $kind,
				anomalyId: $anomaly,
				classification: $classification,
				note: $note,
				at: datetime($at)
			})-[:CONCERNS]->(d)
			RETURN count(r) AS records
		`
		result, err := tx.Run(ctx, query, map[string]any{
			"device":         string(record.DeviceID),
			"id":             record.ID,
			"kind":           string(record.Kind),
			"anomaly":        record.AnomalyID,
			"classification": record.Classification,
			"note":           record.Note,
			"at":             record.At.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		single, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("query single result: %w", err)
		}
		records, _, err := neo4j.GetRecordValue[int64](single, "records")
		if err != nil {
			return nil, fmt.Errorf("get records: %w", err)
		}
		if records != 1 {
			return nil, fmt.Errorf("append created %d records instead of 1", records)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Tail returns up to limit most recent audit records concerning the device,
// newest first. Investigators use it to reconstruct a device's protective
// history after an isolation.
func (a *Archive) Tail(ctx context.Context, device twinguard.DeviceID, limit int) (_ []twinguard.AuditRecord, err error) {
	ctx, span := tracer.Start(ctx, "Archive.Tail", trace.WithAttributes(
		attribute.String("neo4j.database", a.database),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if limit <= 0 {
		limit = 100
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: a.database,
	})
	defer func() { _ = session.Close(ctx) }()

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (r:AuditRecord)-[:CONCERNS]->(d:Device {id: $device})
			RETURN r.id AS id, r.kind AS kind, r.anomalyId AS anomaly,
			       r.classification AS classification, r.note AS note, r.at AS at
			ORDER BY r.at DESC
			LIMIT $limit
		`
		result, err := tx.Run(ctx, query, map[string]any{
			"device": string(device),
			"limit":  limit,
		})
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}

		var out []twinguard.AuditRecord
		for result.Next(ctx) {
			record, err := recordFromNeo4j(device, result.Record())
			if err != nil {
				return nil, err
			}
			out = append(out, record)
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate results: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tail audit records: %w", err)
	}
	return records.([]twinguard.AuditRecord), nil
}

func recordFromNeo4j(device twinguard.DeviceID, r *neo4j.Record) (twinguard.AuditRecord, error) {
	id, _, err := neo4j.GetRecordValue[string](r, "id")
	if err != nil {
		return twinguard.AuditRecord{}, fmt.Errorf("get id: %w", err)
	}
	kind, _, err := neo4j.GetRecordValue[string](r, "kind")
	if err != nil {
		return twinguard.AuditRecord{}, fmt.Errorf("get kind: %w", err)
	}
	anomaly, _, err := neo4j.GetRecordValue[string](r, "anomaly")
	if err != nil {
		return twinguard.AuditRecord{}, fmt.Errorf("get anomaly: %w", err)
	}
	classification, _, err := neo4j.GetRecordValue[string](r, "classification")
	if err != nil {
		return twinguard.AuditRecord{}, fmt.Errorf("get classification: %w", err)
	}
	note, _, err := neo4j.GetRecordValue[string](r, "note")
	if err != nil {
		return twinguard.AuditRecord{}, fmt.Errorf("get note: %w", err)
	}
	at, _, err := neo4j.GetRecordValue[time.Time](r, "at")
	if err != nil {
		return twinguard.AuditRecord{}, fmt.Errorf("get at: %w", err)
	}
	return twinguard.AuditRecord{
		ID:             id,
		Kind:           twinguard.AuditKind(kind),
		DeviceID:       device,
		AnomalyID:      anomaly,
		Classification: classification,
		Note:           note,
		At:             at,
	}, nil
}
