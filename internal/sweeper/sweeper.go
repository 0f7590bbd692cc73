package sweeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/sql-sandbox/internal/metrics"
	"github.com/mylxsw/sql-sandbox/internal/storage"
)

const (
	DefaultInterval    = 24 * time.Hour
	DefaultRetention   = 10 * 24 * time.Hour
	DefaultOrphanGrace = time.Hour
	DefaultRule        = "IdleHours > RetentionHours"
)

// Config controls how often the sweeper runs and what it evicts.
type Config struct {
	Interval    time.Duration
	Retention   time.Duration
	OrphanGrace time.Duration
	// Rule is an expr-lang boolean expression over Env. Empty selects DefaultRule.
	Rule       string
	RunOnStart bool
}

// Env is what an eviction rule can see for one tenant.
type Env struct {
	Tenant         string
	IdleHours      float64
	IdleDays       float64
	RetentionHours float64
	RetentionDays  float64
	DatabaseBytes  int64
}

// Evictor destroys a tenant after re-checking its liveness under the tenant lock.
type Evictor interface {
	DestroyIf(ctx context.Context, tenantID string, cond func(lastAccess time.Time, known bool) bool) (bool, error)
}

// Report summarizes one pass.
type Report struct {
	Scanned   int
	Evicted   int
	Orphans   int
	TempFiles int
	Failed    int
}

type Sweeper struct {
	cfg      Config
	resolver *storage.Resolver
	evictor  Evictor
	program  *vm.Program
	metrics  *metrics.Metrics
	now      func() time.Time
}

// CompileRule checks and compiles an eviction rule.
func CompileRule(rule string) (*vm.Program, error) {
	if strings.TrimSpace(rule) == "" {
		rule = DefaultRule
	}
	program, err := expr.Compile(rule, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile eviction rule %q: %w", rule, err)
	}
	return program, nil
}

func New(cfg Config, resolver *storage.Resolver, evictor Evictor, m *metrics.Metrics) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}

	program, err := CompileRule(cfg.Rule)
	if err != nil {
		return nil, err
	}

	return &Sweeper{
		cfg:      cfg,
		resolver: resolver,
		evictor:  evictor,
		program:  program,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Run sweeps on every tick until ctx is cancelled. It does not depend on request traffic.
func (s *Sweeper) Run(ctx context.Context) {
	log.Infof("eviction sweeper started: interval %s, retention %s", s.cfg.Interval, s.cfg.Retention)

	if s.cfg.RunOnStart {
		s.SweepOnce(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("eviction sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evaluates every tenant once. A tenant that cannot be evaluated or
// removed is logged and skipped; the rest of the pass continues.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	start := s.now()
	var report Report

	entries, err := s.resolver.Entries()
	if err != nil {
		log.Errorf("eviction pass aborted: %v", err)
		s.metrics.IncEvictionError()
		return report
	}

	markers := make(map[string]struct{})
	sizes := make(map[string]int64)
	for _, e := range entries {
		switch e.Kind {
		case storage.KindMarker:
			markers[e.TenantID] = struct{}{}
		case storage.KindDatabase:
			sizes[e.TenantID] = e.Size
		}
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		switch e.Kind {
		case storage.KindMarker:
			report.Scanned++
			s.evaluate(ctx, e.TenantID, sizes[e.TenantID], start, &report)
		case storage.KindDatabase:
			if _, ok := markers[e.TenantID]; ok || start.Sub(e.ModTime) <= s.cfg.OrphanGrace {
				continue
			}
			s.removeOrphan(ctx, e.TenantID, &report)
		case storage.KindTemp:
			if start.Sub(e.ModTime) <= s.cfg.OrphanGrace {
				continue
			}
			if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warningf("remove stale temp file %s: %v", e.Path, err)
				report.Failed++
				s.metrics.IncEvictionError()
				continue
			}
			report.TempFiles++
		}
	}

	remaining := len(markers) - report.Evicted
	s.metrics.ObserveSweep(s.now().Sub(start), remaining)
	log.Infof("eviction pass done: scanned %d, evicted %d, orphans %d, temp files %d, failed %d",
		report.Scanned, report.Evicted, report.Orphans, report.TempFiles, report.Failed)
	return report
}

func (s *Sweeper) evaluate(ctx context.Context, tenantID string, dbBytes int64, now time.Time, report *Report) {
	var ruleErr error
	evicted, err := s.evictor.DestroyIf(ctx, tenantID, func(last time.Time, known bool) bool {
		if !known {
			return false
		}
		ok, err := s.shouldEvict(tenantID, now.Sub(last), dbBytes)
		if err != nil {
			ruleErr = err
			return false
		}
		return ok
	})
	if err == nil {
		err = ruleErr
	}
	if err != nil {
		log.Warningf("evaluate tenant %s for eviction: %v", tenantID, err)
		report.Failed++
		s.metrics.IncEvictionError()
		return
	}
	if evicted {
		report.Evicted++
		s.metrics.IncEviction("idle")
		log.Infof("evicted idle tenant %s", tenantID)
	}
}

func (s *Sweeper) removeOrphan(ctx context.Context, tenantID string, report *Report) {
	removed, err := s.evictor.DestroyIf(ctx, tenantID, func(_ time.Time, known bool) bool {
		return !known
	})
	if err != nil {
		log.Warningf("remove orphaned database of tenant %s: %v", tenantID, err)
		report.Failed++
		s.metrics.IncEvictionError()
		return
	}
	if removed {
		report.Orphans++
		s.metrics.IncEviction("orphan")
		log.Infof("removed orphaned database of tenant %s", tenantID)
	}
}

func (s *Sweeper) shouldEvict(tenantID string, idle time.Duration, dbBytes int64) (bool, error) {
	env := Env{
		Tenant:         tenantID,
		IdleHours:      idle.Hours(),
		IdleDays:       idle.Hours() / 24,
		RetentionHours: s.cfg.Retention.Hours(),
		RetentionDays:  s.cfg.Retention.Hours() / 24,
		DatabaseBytes:  dbBytes,
	}
	out, err := expr.Run(s.program, env)
	if err != nil {
		return false, fmt.Errorf("run eviction rule: %w", err)
	}
	evict, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("eviction rule returned %T, want bool", out)
	}
	return evict, nil
}
