// Package store implements the durable memory store backing the workflow
// engine: agent conversational memory, task outputs, and serialized plans.
// PostgreSQL serves production deployments; SQLite serves tests and embedded
// runs. All operations are safe for concurrent use and acquire their
// connection from the pool independently.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/plan"
)

// maxAgentNameLen matches the agent_name column width.
const maxAgentNameLen = 255

// Config holds database connection settings.
type Config struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite3 only
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds the driver-specific connection string.
func (c Config) DSN() string {
	if c.Driver == "sqlite3" {
		if c.Path == "" {
			return ":memory:"
		}
		return c.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MemoryEntry is one row of an agent's append-only conversation log.
type MemoryEntry struct {
	ID        int64     `db:"id" json:"id"`
	AgentName string    `db:"agent_name" json:"agent_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Content   string    `db:"content" json:"content"`
}

// Store provides crash-durable persistence for agent memory, task outputs,
// and workflow plans.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Schema initialization runs exactly once per DSN even when multiple stores
// are constructed concurrently against the same database.
var (
	schemaMu   sync.Mutex
	schemaDone = make(map[string]bool)
)

// ResetSchemaTracking clears the per-DSN schema init flags. Test use only;
// in-memory SQLite databases share a DSN but not a schema.
func ResetSchemaTracking() {
	schemaMu.Lock()
	schemaDone = make(map[string]bool)
	schemaMu.Unlock()
}

// New opens the database, configures the connection pool, verifies
// connectivity, and initializes the schema.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections <= 0 {
		cfg.IdleConnections = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := cfg.DSN()
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, "open database", err)
	}
	if driver == "sqlite3" && strings.Contains(dsn, ":memory:") {
		// An in-memory SQLite database exists per connection; a pool of
		// more than one would hand each operation a different database.
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, faults.Wrap(faults.Configuration, "ping database", err)
	}

	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.initSchema(dsn); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Memory store initialized",
		zap.String("driver", driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return s, nil
}

// NewSQLite opens an embedded SQLite store, used by tests and single-binary
// runs. An empty path yields an in-memory database.
func NewSQLite(path string, logger *zap.Logger) (*Store, error) {
	return New(Config{Driver: "sqlite3", Path: path}, logger)
}

func (s *Store) initSchema(dsn string) error {
	// In-memory databases are born empty on every open; the per-DSN flag
	// only applies to databases that outlive the process.
	ephemeral := s.driver == "sqlite3" && strings.Contains(dsn, ":memory:")

	schemaMu.Lock()
	defer schemaMu.Unlock()
	if !ephemeral && schemaDone[dsn] {
		return nil
	}

	idColumn := "BIGSERIAL PRIMARY KEY"
	timestampDefault := "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	if s.driver == "sqlite3" {
		idColumn = "INTEGER PRIMARY KEY AUTOINCREMENT"
		timestampDefault = "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_memory (
			id %s,
			agent_name VARCHAR(255) NOT NULL,
			created_at %s,
			content TEXT NOT NULL
		)`, idColumn, timestampDefault),
		`CREATE INDEX IF NOT EXISTS idx_agent_memory_agent_name ON agent_memory(agent_name)`,
		`CREATE TABLE IF NOT EXISTS task_outputs (
			workflow_id VARCHAR(255) NOT NULL,
			task_name VARCHAR(255) NOT NULL,
			output TEXT NOT NULL,
			PRIMARY KEY (workflow_id, task_name)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_plans (
			workflow_id VARCHAR(255) PRIMARY KEY,
			plan_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return faults.Wrap(faults.Internal, "initialize schema", err)
		}
	}

	if !ephemeral {
		schemaDone[dsn] = true
	}
	return nil
}

// AddMemory appends one entry to the agent's conversation log.
func (s *Store) AddMemory(ctx context.Context, agentName, content string) error {
	if err := validateAgentName(agentName); err != nil {
		return err
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memory (agent_name, created_at, content) VALUES ($1, $2, $3)`,
		agentName, time.Now().UTC(), content,
	)
	metrics.ObserveStoreOperation("add_memory", time.Since(start), err)
	if err != nil {
		return faults.Wrap(faults.Internal, "insert agent memory", err).WithContext("agent=" + agentName)
	}
	return nil
}

// LoadMemory returns up to limit entries for the agent, oldest first.
func (s *Store) LoadMemory(ctx context.Context, agentName string, limit int) ([]MemoryEntry, error) {
	if err := validateAgentName(agentName); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	start := time.Now()
	var entries []MemoryEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, agent_name, created_at, content
		 FROM agent_memory WHERE agent_name = $1
		 ORDER BY id ASC LIMIT $2`,
		agentName, limit,
	)
	metrics.ObserveStoreOperation("load_memory", time.Since(start), err)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "load agent memory", err).WithContext("agent=" + agentName)
	}
	return entries, nil
}

// LoadMemoryBulk loads memory for several agents with a single windowed
// query instead of one round-trip per agent. Every requested name is present
// in the result map, mapped to an empty slice when the agent has no entries.
func (s *Store) LoadMemoryBulk(ctx context.Context, agentNames []string, limit int) (map[string][]MemoryEntry, error) {
	result := make(map[string][]MemoryEntry, len(agentNames))
	for _, name := range agentNames {
		if err := validateAgentName(name); err != nil {
			return nil, err
		}
		result[name] = []MemoryEntry{}
	}
	if len(agentNames) == 0 || limit <= 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		`SELECT id, agent_name, created_at, content FROM (
			SELECT id, agent_name, created_at, content,
			       ROW_NUMBER() OVER (PARTITION BY agent_name ORDER BY id ASC) AS rn
			FROM agent_memory WHERE agent_name IN (?)
		) ranked WHERE rn <= ? ORDER BY agent_name, id ASC`,
		agentNames, limit,
	)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "build bulk memory query", err)
	}
	query = s.db.Rebind(query)

	start := time.Now()
	var entries []MemoryEntry
	err = s.db.SelectContext(ctx, &entries, query, args...)
	metrics.ObserveStoreOperation("load_memory_bulk", time.Since(start), err)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "load agent memory bulk", err)
	}
	for _, e := range entries {
		result[e.AgentName] = append(result[e.AgentName], e)
	}
	return result, nil
}

// SaveTaskOutput upserts the output for (workflowID, taskName). Last write
// wins; reading after writing returns exactly the last written value.
func (s *Store) SaveTaskOutput(ctx context.Context, workflowID, taskName, output string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_outputs (workflow_id, task_name, output) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id, task_name) DO UPDATE SET output = EXCLUDED.output`,
		workflowID, taskName, output,
	)
	metrics.ObserveStoreOperation("save_task_output", time.Since(start), err)
	if err != nil {
		return faults.Wrap(faults.Internal, "save task output", err).
			WithContext(fmt.Sprintf("workflow=%s task=%s", workflowID, taskName))
	}
	s.logger.Debug("Task output saved",
		zap.String("workflow_id", workflowID),
		zap.String("task_name", taskName),
		zap.Int("output_bytes", len(output)),
	)
	return nil
}

// LoadTaskOutputs returns every persisted output for the workflow keyed by
// task name. An unknown workflow yields an empty map.
func (s *Store) LoadTaskOutputs(ctx context.Context, workflowID string) (map[string]string, error) {
	start := time.Now()
	rows, err := s.db.QueryxContext(ctx,
		`SELECT task_name, output FROM task_outputs WHERE workflow_id = $1`,
		workflowID,
	)
	metrics.ObserveStoreOperation("load_task_outputs", time.Since(start), err)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "load task outputs", err).WithContext("workflow=" + workflowID)
	}
	defer rows.Close()

	outputs := make(map[string]string)
	for rows.Next() {
		var taskName, output string
		if err := rows.Scan(&taskName, &output); err != nil {
			return nil, faults.Wrap(faults.Internal, "scan task output", err)
		}
		outputs[taskName] = output
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.Internal, "iterate task outputs", err)
	}
	return outputs, nil
}

// SavePlan upserts the plan for the workflow, serialized as JSON. An empty
// task list is valid and stored as an empty array.
func (s *Store) SavePlan(ctx context.Context, workflowID string, tasks []plan.Task) error {
	if tasks == nil {
		tasks = []plan.Task{}
	}
	planJSON, err := json.Marshal(tasks)
	if err != nil {
		return faults.Wrap(faults.Internal, "serialize plan", err)
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_plans (workflow_id, plan_json) VALUES ($1, $2)
		 ON CONFLICT (workflow_id) DO UPDATE SET plan_json = EXCLUDED.plan_json`,
		workflowID, string(planJSON),
	)
	metrics.ObserveStoreOperation("save_plan", time.Since(start), err)
	if err != nil {
		return faults.Wrap(faults.Internal, "save plan", err).WithContext("workflow=" + workflowID)
	}
	return nil
}

// LoadPlan returns the stored plan for the workflow. The boolean reports
// whether a plan exists; a missing plan is not an error.
func (s *Store) LoadPlan(ctx context.Context, workflowID string) ([]plan.Task, bool, error) {
	start := time.Now()
	var planJSON string
	err := s.db.GetContext(ctx, &planJSON,
		`SELECT plan_json FROM workflow_plans WHERE workflow_id = $1`,
		workflowID,
	)
	metrics.ObserveStoreOperation("load_plan", time.Since(start), err)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, faults.Wrap(faults.Internal, "load plan", err).WithContext("workflow=" + workflowID)
	}

	var tasks []plan.Task
	if err := json.Unmarshal([]byte(planJSON), &tasks); err != nil {
		return nil, false, faults.Wrap(faults.Internal, "deserialize plan", err).WithContext("workflow=" + workflowID)
	}
	return tasks, true, nil
}

// Ping verifies database connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close disposes the connection pool. Safe to call more than once; only the
// first call closes the pool.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.logger.Info("Memory store closed")
	})
	return s.closeErr
}

func validateAgentName(agentName string) error {
	if strings.TrimSpace(agentName) == "" {
		return faults.New(faults.InvalidInput, "agent name must not be blank")
	}
	if len(agentName) > maxAgentNameLen {
		return faults.Errorf(faults.InvalidInput, "agent name exceeds %d characters", maxAgentNameLen)
	}
	return nil
}
