package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/storage/models"
	"github.com/proposal-insights/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to an in-memory database would see its own
	// empty database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		project_number TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		client TEXT,
		state TEXT,
		city TEXT,
		category TEXT,
		status TEXT,
		fee REAL,
		point_of_contact TEXT,
		award_date TEXT,
		due_date TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_projects_state ON projects(state);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
	CREATE INDEX IF NOT EXISTS idx_projects_award ON projects(award_date);
	CREATE INDEX IF NOT EXISTS idx_projects_due ON projects(due_date);

	CREATE TABLE IF NOT EXISTS classification_history (
		id TEXT PRIMARY KEY,
		interpretation_id TEXT NOT NULL,
		question TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		function_name TEXT NOT NULL,
		arguments TEXT,
		error_type TEXT,
		error_message TEXT,
		row_count INTEGER DEFAULT 0,
		credential TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_interpretation ON classification_history(interpretation_id);
	CREATE INDEX IF NOT EXISTS idx_history_created ON classification_history(created_at);

	CREATE TABLE IF NOT EXISTS evaluation_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		question TEXT NOT NULL,
		expected_function TEXT,
		actual_function TEXT,
		function_match INTEGER NOT NULL,
		argument_recall REAL,
		error_type TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_eval_run ON evaluation_results(run_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertProjects upserts projects in a single transaction. A blank fee is
// stored as an empty string, mirroring the raw export.
func (c *Client) InsertProjects(ctx context.Context, projects []models.Project) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO projects (project_number, title, client, state, city, category, status, fee,
			point_of_contact, award_date, due_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_number) DO UPDATE SET
			title = excluded.title,
			client = excluded.client,
			state = excluded.state,
			city = excluded.city,
			category = excluded.category,
			status = excluded.status,
			fee = excluded.fee,
			point_of_contact = excluded.point_of_contact,
			award_date = excluded.award_date,
			due_date = excluded.due_date
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare project insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range projects {
		var fee any = p.Fee
		if f, ok := toNumber(p.Fee); ok {
			fee = f
		}
		_, err := stmt.ExecContext(ctx,
			p.ProjectNumber, p.Title, p.Client, p.State, p.City, p.Category, p.Status, fee,
			p.PointOfContact, nullIfEmpty(p.AwardDate), nullIfEmpty(p.DueDate),
		)
		if err != nil {
			return fmt.Errorf("failed to insert project %s: %w", p.ProjectNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit projects: %w", err)
	}

	logger.Debug("Projects inserted", zap.Int("count", len(projects)))
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// QueryRow runs a single-row query and returns the row keyed by column name.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return result.Rows[0], nil
}

type Result struct {
	SQL      string           `json:"sql"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// Execute runs the query a classification describes against spec.
func (c *Client) Execute(ctx context.Context, spec catalog.FunctionSpec, args map[string]any, tierExpr string) (*Result, error) {
	q, err := BuildQuery(spec, args, tierExpr)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := c.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", spec.Name, err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	result.SQL = q.SQL

	logger.Debug("Structured query executed",
		zap.String("function", spec.Name),
		zap.Int("rows", result.RowCount),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// DistinctValues lists up to limit non-empty values of column, most frequent first.
func (c *Client) DistinctValues(ctx context.Context, table, column string, limit int) ([]string, error) {
	if !identifier.MatchString(table) || !identifier.MatchString(column) {
		return nil, fmt.Errorf("invalid identifier %q.%q", table, column)
	}
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE %[2]s IS NOT NULL AND TRIM(%[2]s) <> ''
		GROUP BY %[2]s
		ORDER BY COUNT(*) DESC, %[2]s ASC
		LIMIT ?`, table, column)

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get distinct values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (c *Client) InsertClassification(ctx context.Context, rec *models.ClassificationRecord) error {
	query := `
		INSERT INTO classification_history (id, interpretation_id, question, attempt, function_name, arguments,
			error_type, error_message, row_count, credential, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx,
		query,
		rec.ID,
		rec.InterpretationID,
		rec.Question,
		rec.Attempt,
		rec.FunctionName,
		rec.Arguments,
		rec.ErrorType,
		rec.ErrorMessage,
		rec.RowCount,
		rec.Credential,
		rec.LatencyMS,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert classification record: %w", err)
	}

	logger.Debug("Classification recorded",
		zap.String("interpretation_id", rec.InterpretationID),
		zap.Int("attempt", rec.Attempt),
		zap.String("function", rec.FunctionName),
	)
	return nil
}

func (c *Client) RecentClassifications(ctx context.Context, limit int) ([]models.ClassificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, interpretation_id, question, attempt, function_name, arguments, error_type,
			error_message, row_count, credential, latency_ms, created_at
		FROM classification_history
		ORDER BY created_at DESC, interpretation_id, attempt DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get classification history: %w", err)
	}
	defer rows.Close()

	var records []models.ClassificationRecord
	for rows.Next() {
		var r models.ClassificationRecord
		var args, errType, errMsg, credential sql.NullString
		var createdAt int64

		err := rows.Scan(&r.ID, &r.InterpretationID, &r.Question, &r.Attempt, &r.FunctionName, &args,
			&errType, &errMsg, &r.RowCount, &credential, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Arguments = args.String
		r.ErrorType = errType.String
		r.ErrorMessage = errMsg.String
		r.Credential = credential.String
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) InsertEvaluationResult(ctx context.Context, res *models.EvaluationResult) error {
	query := `
		INSERT INTO evaluation_results (run_id, question, expected_function, actual_function, function_match,
			argument_recall, error_type, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	match := 0
	if res.FunctionMatch {
		match = 1
	}

	_, err := c.db.ExecContext(ctx,
		query,
		res.RunID,
		res.Question,
		res.ExpectedFunction,
		res.ActualFunction,
		match,
		res.ArgumentRecall,
		res.ErrorType,
		res.LatencyMS,
		res.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation result: %w", err)
	}
	return nil
}

// MarshalArguments renders classification arguments for the history table.
func MarshalArguments(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
