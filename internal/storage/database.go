package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"gigcrew/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// a single connection keeps :memory: databases and PRAGMAs consistent
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				// DATETIME columns scan into time.Time only with parseTime
				params = "parseTime=true&charset=utf8mb4"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS clients (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS client_tokens (
				token TEXT PRIMARY KEY,
				client_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(client_id) REFERENCES clients(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_client_tokens_client ON client_tokens(client_id)`,
			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				client_id INTEGER NOT NULL,
				crew TEXT NOT NULL,
				provider TEXT NOT NULL,
				model TEXT NOT NULL,
				inputs TEXT NOT NULL,
				status TEXT NOT NULL,
				output TEXT,
				error TEXT,
				created_at DATETIME NOT NULL,
				finished_at DATETIME,
				FOREIGN KEY(client_id) REFERENCES clients(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_client_created ON runs(client_id, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS run_steps (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				task TEXT NOT NULL,
				agent TEXT NOT NULL,
				output TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id)`,
			`CREATE TABLE IF NOT EXISTS uploads (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				client_id INTEGER NOT NULL,
				run_id TEXT,
				file_name TEXT NOT NULL,
				stored_path TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(client_id) REFERENCES clients(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_uploads_client ON uploads(client_id)`,
			`CREATE INDEX IF NOT EXISTS idx_uploads_expiry ON uploads(expires_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS clients (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				name VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS client_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				client_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_client_tokens_client (client_id),
				CONSTRAINT fk_client_tokens_client FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS runs (
				id CHAR(36) NOT NULL,
				client_id BIGINT UNSIGNED NOT NULL,
				crew VARCHAR(100) NOT NULL,
				provider VARCHAR(100) NOT NULL,
				model VARCHAR(255) NOT NULL,
				inputs MEDIUMTEXT NOT NULL,
				status VARCHAR(50) NOT NULL,
				output MEDIUMTEXT,
				error TEXT,
				created_at DATETIME NOT NULL,
				finished_at DATETIME NULL,
				PRIMARY KEY (id),
				INDEX idx_runs_client_created (client_id, created_at),
				CONSTRAINT fk_runs_client FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS run_steps (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				run_id CHAR(36) NOT NULL,
				seq INT NOT NULL,
				task VARCHAR(255) NOT NULL,
				agent VARCHAR(255) NOT NULL,
				output MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_run_steps_run (run_id),
				CONSTRAINT fk_run_steps_run FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS uploads (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				client_id BIGINT UNSIGNED NOT NULL,
				run_id CHAR(36) NULL,
				file_name VARCHAR(255) NOT NULL,
				stored_path TEXT NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_uploads_client (client_id),
				INDEX idx_uploads_expiry (expires_at),
				CONSTRAINT fk_uploads_client FOREIGN KEY (client_id) REFERENCES clients(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
