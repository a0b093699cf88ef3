package neo4jaudit

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Bootstrap creates the database and the constraints the archive relies on:
// record ids are unique (duplicate appends are rejected rather than silently
// merged) and device ids key their Device nodes.
//
// This function is idempotent; run it once per database before the first
// append.
func Bootstrap(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Key constraints (enterprise edition) both index and enforce
		// uniqueness, covering the archive's lookup and append paths.
		constraints := []string{
			`CREATE CONSTRAINT IF NOT EXISTS FOR (r:AuditRecord) REQUIRE r.id IS NODE KEY`,
			`CREATE CONSTRAINT IF NOT EXISTS FOR (d:Device) REQUIRE d.id IS NODE KEY`,
		}
		for _, c := range constraints {
			if _, err := tx.Run(ctx, c, nil); err != nil {
				return nil, fmt.Errorf("key constraint: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jaudit: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jaudit: database name must not be neo4j: reserved for the default database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jaudit: names beginning with an underscore or the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	_, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS`, map[string]any{
		"name": name,
	})
	return err
}
