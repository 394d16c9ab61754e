package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config holds database connection and pool tuning parameters.
type Config struct {
	DatabaseURL        string `env:"DATABASE_URL" envDefault:"mcp_mesh_registry.db"`
	ConnectionTimeout  int    `env:"DB_CONNECTION_TIMEOUT" envDefault:"30"`
	BusyTimeout        int    `env:"DB_BUSY_TIMEOUT" envDefault:"5000"`
	JournalMode        string `env:"DB_JOURNAL_MODE" envDefault:"WAL"`
	Synchronous        string `env:"DB_SYNCHRONOUS" envDefault:"NORMAL"`
	CacheSize          int    `env:"DB_CACHE_SIZE" envDefault:"10000"`
	EnableForeignKeys  bool   `env:"DB_ENABLE_FOREIGN_KEYS" envDefault:"true"`
	MaxOpenConnections int    `env:"DB_MAX_OPEN_CONNECTIONS" envDefault:"25"`
	MaxIdleConnections int    `env:"DB_MAX_IDLE_CONNECTIONS" envDefault:"5"`
	ConnMaxLifetime    int    `env:"DB_CONN_MAX_LIFETIME" envDefault:"300"` // seconds
}

const currentSchemaVersion = 1

// Database wraps a *sql.DB with the dialect selected for its DSN.
type Database struct {
	*sql.DB
	config  *Config
	dialect Dialect
}

// Initialize opens the connection, tunes the pool, and migrates the schema
// forward inside a single transaction.
func Initialize(config *Config) (*Database, error) {
	if config == nil {
		config = &Config{
			DatabaseURL:        "mcp_mesh_registry.db",
			ConnectionTimeout:  30,
			BusyTimeout:        5000,
			JournalMode:        "WAL",
			Synchronous:        "NORMAL",
			CacheSize:          10000,
			EnableForeignKeys:  true,
			MaxOpenConnections: 25,
			MaxIdleConnections: 5,
			ConnMaxLifetime:    300,
		}
	}

	var driverName string
	var dialect Dialect
	isPostgres := strings.HasPrefix(config.DatabaseURL, "postgres://") || strings.HasPrefix(config.DatabaseURL, "postgresql://")
	if isPostgres {
		driverName = "postgres"
		dialect = postgresDialect{}
	} else {
		driverName = "sqlite3"
		dialect = sqliteDialect{}
	}

	sqlDB, err := sql.Open(driverName, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConnections)
	sqlDB.SetMaxIdleConns(config.MaxIdleConnections)
	sqlDB.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)

	db := &Database{DB: sqlDB, config: config, dialect: dialect}

	if !isPostgres {
		if config.EnableForeignKeys {
			db.Exec("PRAGMA foreign_keys = ON")
		}
		db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", config.BusyTimeout))
		db.Exec(fmt.Sprintf("PRAGMA journal_mode = %s", config.JournalMode))
		db.Exec(fmt.Sprintf("PRAGMA synchronous = %s", config.Synchronous))
		db.Exec(fmt.Sprintf("PRAGMA cache_size = -%d", config.CacheSize))
	}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// Dialect exposes the active SQL dialect to the store layer.
func (db *Database) Dialect() Dialect { return db.dialect }

func (db *Database) Placeholder(n int) string       { return db.dialect.Placeholder(n) }
func (db *Database) BuildParameterList(n int) string { return db.dialect.Placeholders(n, 0) }
func (db *Database) IsPostgreSQL() bool             { return db.dialect.IsPostgreSQL() }
func (db *Database) Now() string                    { return db.dialect.Now() }
func (db *Database) UpsertAgentSQL() string         { return db.dialect.UpsertAgentSQL() }
func (db *Database) UpsertCapabilitySQL() string    { return db.dialect.UpsertCapabilitySQL() }

// migrate creates the schema and writes the version row in one transaction
// so the database is never observably half-applied.
func (db *Database) migrate() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range db.dialect.CreateTableSQL() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	var currentVersion int
	err = tx.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check schema version: %w", err)
	}

	if currentVersion < currentSchemaVersion {
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES ("+db.dialect.Placeholder(1)+")", currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		log.Printf("schema migrated from version %d to %d", currentVersion, currentSchemaVersion)
	}

	return tx.Commit()
}

// Close closes the underlying connection pool.
func (db *Database) Close() error {
	return db.DB.Close()
}

// GetStats returns registry-wide counters used by the optional /health
// metrics field.
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalAgents int64
	if err := db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&totalAgents); err != nil {
		return nil, fmt.Errorf("failed to get total agent count: %w", err)
	}
	stats["total_agents"] = totalAgents

	rows, err := db.Query("SELECT namespace, COUNT(*) FROM agents GROUP BY namespace")
	if err != nil {
		return nil, fmt.Errorf("failed to get agent namespace counts: %w", err)
	}
	defer rows.Close()

	agentsByNamespace := make(map[string]int64)
	for rows.Next() {
		var namespace string
		var count int64
		if err := rows.Scan(&namespace, &count); err != nil {
			return nil, fmt.Errorf("failed to scan agent namespace counts: %w", err)
		}
		agentsByNamespace[namespace] = count
	}
	stats["agents_by_namespace"] = agentsByNamespace

	var uniqueCapabilities int64
	if err := db.QueryRow("SELECT COUNT(DISTINCT capability) FROM capabilities").Scan(&uniqueCapabilities); err != nil {
		return nil, fmt.Errorf("failed to get unique capabilities count: %w", err)
	}
	stats["unique_capabilities"] = uniqueCapabilities

	placeholder := db.dialect.Placeholder(1)
	oneHourAgo := time.Now().UTC().Add(-time.Hour)
	var recentEvents int64
	if err := db.QueryRow("SELECT COUNT(*) FROM topology_events WHERE timestamp > "+placeholder, oneHourAgo).Scan(&recentEvents); err != nil {
		return nil, fmt.Errorf("failed to get recent events count: %w", err)
	}
	stats["recent_events_last_hour"] = recentEvents

	return stats, nil
}
