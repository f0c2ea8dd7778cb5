// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ManuGH/eventrelay/internal/persistence/sqlite"
	"github.com/ManuGH/eventrelay/internal/rules"
)

// FuncChecker adapts a probe function. A nil error is healthy.
type FuncChecker struct {
	name  string
	probe func(context.Context) error
}

func NewFuncChecker(name string, probe func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, probe: probe}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := c.probe(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// RegistryChecker reports on the live routing table. A registry without
// rules routes nothing and is reported as degraded.
type RegistryChecker struct {
	source rules.Source
}

func NewRegistryChecker(source rules.Source) *RegistryChecker {
	return &RegistryChecker{source: source}
}

func (c *RegistryChecker) Name() string { return "registry" }

func (c *RegistryChecker) Check(context.Context) CheckResult {
	reg := c.source.Snapshot()
	if reg == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "no registry loaded"}
	}
	s := reg.Stats()
	msg := fmt.Sprintf("%d buses, %d rules, %d targets", s.Buses, s.Rules, s.Targets)
	if s.Rules == 0 || s.Targets == 0 {
		return CheckResult{Status: StatusDegraded, Message: msg}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}

// BacklogChecker degrades when terminal failures pile up without reaching
// the dead-letter archive.
type BacklogChecker struct {
	pending   func() int
	threshold int
}

func NewBacklogChecker(pending func() int, threshold int) *BacklogChecker {
	return &BacklogChecker{pending: pending, threshold: threshold}
}

func (c *BacklogChecker) Name() string { return "deadletter_backlog" }

func (c *BacklogChecker) Check(context.Context) CheckResult {
	n := c.pending()
	msg := fmt.Sprintf("%d unarchived failures", n)
	if c.threshold > 0 && n >= c.threshold {
		return CheckResult{Status: StatusDegraded, Message: msg}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}

// SQLiteChecker runs a quick integrity check on the dead-letter database.
type SQLiteChecker struct {
	db *sql.DB
}

func NewSQLiteChecker(db *sql.DB) *SQLiteChecker { return &SQLiteChecker{db: db} }

func (c *SQLiteChecker) Name() string { return "deadletter_sqlite" }

func (c *SQLiteChecker) Check(ctx context.Context) CheckResult {
	problems, err := sqlite.CheckIntegrity(ctx, c.db, false)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if len(problems) > 0 {
		return CheckResult{Status: StatusUnhealthy, Error: strings.Join(problems, "; ")}
	}
	return CheckResult{Status: StatusHealthy, Message: "integrity ok"}
}
