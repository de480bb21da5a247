// Package store provides storage backends for mailrun.
//
// Two interchangeable backends exist: SQLite for single-node deployments and
// PostgreSQL for shared deployments. Both run their schema migrations at open
// time and implement the same repository interfaces.
package store

import "strings"

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" by its shape.
// Postgres DSNs use a URL scheme or key=value form; anything else is treated
// as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store aggregates every repository the engine needs plus lifecycle control.
// Both backends satisfy it.
type Store interface {
	AccountRepo
	CampaignRepo
	LeadRepo
	IntegrationRepo
	EnrollmentRepo
	MessageRepo
	ReplyEventRepo

	Close() error
}
