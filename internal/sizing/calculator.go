// Package sizing buckets project fees into five ordered tiers using
// percentiles computed from the data, with a fixed table as fallback.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/pkg/logger"
)

var (
	ErrInvalidPercentiles = errors.New("percentile query returned non-numeric values")
	ErrInvalidIdentifier  = errors.New("invalid table or column name")
)

// MinFee excludes placeholder fees from the distribution.
const MinFee = 10000

const DefaultTTL = 24 * time.Hour

// Fallback thresholds: Micro < 100K, Small < 1M, Medium < 10M, Large < 50M.
var FallbackThresholds = [4]float64{100_000, 1_000_000, 10_000_000, 50_000_000}

type PercentileData struct {
	P20           float64   `json:"p20"`
	P40           float64   `json:"p40"`
	P60           float64   `json:"p60"`
	P80           float64   `json:"p80"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	TotalProjects float64   `json:"total_projects"`
	CalculatedAt  time.Time `json:"calculated_at"`
}

func (d *PercentileData) Valid() bool {
	if d == nil {
		return false
	}
	for _, v := range []float64{d.P20, d.P40, d.P60, d.P80, d.Min, d.Max, d.TotalProjects} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (d *PercentileData) Thresholds() [4]float64 {
	return [4]float64{d.P20, d.P40, d.P60, d.P80}
}

// Executor runs a single-row query and returns the row keyed by column name.
type Executor interface {
	QueryRow(ctx context.Context, query string, args ...any) (map[string]any, error)
}

// Store is an optional second-level cache shared between processes.
type Store interface {
	GetPercentiles(ctx context.Context, table string) (*PercentileData, bool, error)
	SetPercentiles(ctx context.Context, table string, data *PercentileData, ttl time.Duration) error
}

type Config struct {
	Table     string
	FeeColumn string
	TTL       time.Duration
	Store     Store
}

type Calculator struct {
	exec   Executor
	store  Store
	table  string
	column string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*PercentileData
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func NewCalculator(exec Executor, cfg Config) (*Calculator, error) {
	if cfg.Table == "" {
		cfg.Table = "projects"
	}
	if cfg.FeeColumn == "" {
		cfg.FeeColumn = "fee"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if !identifier.MatchString(cfg.Table) || !identifier.MatchString(cfg.FeeColumn) {
		return nil, fmt.Errorf("%w: %q.%q", ErrInvalidIdentifier, cfg.Table, cfg.FeeColumn)
	}

	return &Calculator{
		exec:   exec,
		store:  cfg.Store,
		table:  cfg.Table,
		column: cfg.FeeColumn,
		ttl:    cfg.TTL,
		now:    time.Now,
		cache:  make(map[string]*PercentileData),
	}, nil
}

// CalculatePercentiles returns the fee distribution for table (the configured
// table when empty). Results are cached for the TTL unless forceRefresh is set.
// On failure the previous entry stays in place and keeps serving until it expires.
func (c *Calculator) CalculatePercentiles(ctx context.Context, forceRefresh bool, table string) (*PercentileData, error) {
	if table == "" {
		table = c.table
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	if !forceRefresh {
		if data, ok := c.cached(table); ok {
			metrics.CacheHits.WithLabelValues("percentiles").Inc()
			return data, nil
		}
		if data, ok := c.fromStore(ctx, table); ok {
			metrics.CacheHits.WithLabelValues("percentiles_redis").Inc()
			return data, nil
		}
		metrics.CacheMisses.WithLabelValues("percentiles").Inc()
	}

	row, err := c.exec.QueryRow(ctx, percentileQuery(table, c.column))
	if err != nil {
		logger.Warn("Percentile query failed", zap.String("table", table), zap.Error(err))
		return nil, fmt.Errorf("failed to calculate percentiles: %w", err)
	}

	data, err := decodeRow(row)
	if err != nil {
		logger.Warn("Rejected percentile result", zap.String("table", table), zap.Error(err))
		return nil, err
	}
	data.CalculatedAt = c.now()

	c.mu.Lock()
	c.cache[table] = data
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SetPercentiles(ctx, table, data, c.ttl); err != nil {
			logger.Warn("Failed to mirror percentiles", zap.Error(err))
		}
	}

	logger.Info("Percentiles calculated",
		zap.String("table", table),
		zap.Float64("p20", data.P20),
		zap.Float64("p40", data.P40),
		zap.Float64("p60", data.P60),
		zap.Float64("p80", data.P80),
		zap.Float64("total_projects", data.TotalProjects),
	)

	return data, nil
}

func (c *Calculator) cached(table string) (*PercentileData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.cache[table]
	if !ok || !data.Valid() || c.now().Sub(data.CalculatedAt) >= c.ttl {
		return nil, false
	}
	return data, true
}

func (c *Calculator) fromStore(ctx context.Context, table string) (*PercentileData, bool) {
	if c.store == nil {
		return nil, false
	}
	data, ok, err := c.store.GetPercentiles(ctx, table)
	if err != nil {
		logger.Warn("Failed to read mirrored percentiles", zap.Error(err))
		return nil, false
	}
	if !ok || !data.Valid() || c.now().Sub(data.CalculatedAt) >= c.ttl {
		return nil, false
	}

	c.mu.Lock()
	c.cache[table] = data
	c.mu.Unlock()
	return data, true
}

// Current returns the live percentiles for the configured table, if any.
func (c *Calculator) Current() (*PercentileData, bool) {
	return c.cached(c.table)
}

// SQLCaseStatement is a tier-assignment expression over the fee column.
func (c *Calculator) SQLCaseStatement() string {
	t := FallbackThresholds
	if data, ok := c.Current(); ok {
		t = data.Thresholds()
	}
	col := c.column
	return fmt.Sprintf("CASE WHEN %[1]s IS NULL OR CAST(%[1]s AS REAL) <= 0 THEN 'unknown' "+
		"WHEN CAST(%[1]s AS REAL) < %[2]s THEN 'Micro' "+
		"WHEN CAST(%[1]s AS REAL) < %[3]s THEN 'Small' "+
		"WHEN CAST(%[1]s AS REAL) < %[4]s THEN 'Medium' "+
		"WHEN CAST(%[1]s AS REAL) < %[5]s THEN 'Large' "+
		"ELSE 'Mega' END",
		col, sqlNumber(t[0]), sqlNumber(t[1]), sqlNumber(t[2]), sqlNumber(t[3]))
}

// GetSizeCategory classifies a single fee against the cached percentiles.
func (c *Calculator) GetSizeCategory(fee float64) Tier {
	if fee <= 0 || math.IsNaN(fee) {
		return Unknown
	}
	data, ok := c.Current()
	if !ok {
		return Unknown
	}
	return tierFor(fee, data.Thresholds())
}

func tierFor(fee float64, t [4]float64) Tier {
	switch {
	case fee < t[0]:
		return Micro
	case fee < t[1]:
		return Small
	case fee < t[2]:
		return Medium
	case fee < t[3]:
		return Large
	default:
		return Mega
	}
}

// percentileQuery uses nearest-rank percentiles: the smallest value whose
// rank covers the requested fraction of rows.
func percentileQuery(table, column string) string {
	return fmt.Sprintf(`WITH ranked AS (
	SELECT v, ROW_NUMBER() OVER (ORDER BY v) AS rn, COUNT(*) OVER () AS n
	FROM (
		SELECT CAST(%[2]s AS REAL) AS v FROM %[1]s
		WHERE %[2]s IS NOT NULL AND TRIM(CAST(%[2]s AS TEXT)) <> '' AND CAST(%[2]s AS REAL) > %[3]d
	)
)
SELECT
	MIN(CASE WHEN rn * 5 >= n * 1 THEN v END) AS p20,
	MIN(CASE WHEN rn * 5 >= n * 2 THEN v END) AS p40,
	MIN(CASE WHEN rn * 5 >= n * 3 THEN v END) AS p60,
	MIN(CASE WHEN rn * 5 >= n * 4 THEN v END) AS p80,
	MIN(v) AS min_fee,
	MAX(v) AS max_fee,
	COUNT(*) AS total_projects
FROM ranked`, table, column, MinFee)
}

var percentileColumns = []string{"p20", "p40", "p60", "p80", "min_fee", "max_fee", "total_projects"}

func decodeRow(row map[string]any) (*PercentileData, error) {
	values := make([]float64, len(percentileColumns))
	for i, col := range percentileColumns {
		v, ok := toFloat(row[col])
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s=%v", ErrInvalidPercentiles, col, row[col])
		}
		values[i] = v
	}
	return &PercentileData{
		P20:           values[0],
		P40:           values[1],
		P60:           values[2],
		P80:           values[3],
		Min:           values[4],
		Max:           values[5],
		TotalProjects: values[6],
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sqlNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
