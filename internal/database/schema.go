package database

import (
	"context"
	"database/sql"
	"fmt"
)

// mysqlSchema keeps secondary indexes inline because MySQL has no
// CREATE INDEX IF NOT EXISTS.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS entitlements (
		id                             VARCHAR(36)  NOT NULL PRIMARY KEY,
		organization_id                VARCHAR(64)  NOT NULL,
		plan_type                      VARCHAR(32)  NOT NULL,
		billing_frequency              VARCHAR(16)  NOT NULL,
		seats_total                    INT          NOT NULL DEFAULT 0,
		overage_seats                  INT          NOT NULL DEFAULT 0,
		provider_seats                 INT          NULL,
		seats_used                     INT          NOT NULL DEFAULT 0,
		total_credits                  BIGINT       NOT NULL DEFAULT 0,
		used_credits                   BIGINT       NOT NULL DEFAULT 0,
		status                         VARCHAR(16)  NOT NULL,
		billing_customer_ref           VARCHAR(255) NULL,
		billing_subscription_ref       VARCHAR(255) NULL,
		initial_grant_subscription_ref VARCHAR(255) NULL,
		current_period_start           BIGINT       NULL,
		current_period_end             BIGINT       NULL,
		created_at                     BIGINT       NOT NULL,
		updated_at                     BIGINT       NOT NULL,
		UNIQUE KEY uq_entitlements_org (organization_id),
		KEY idx_entitlements_subscription (billing_subscription_ref),
		CHECK (seats_total >= 0 AND overage_seats >= 0 AND seats_used >= 0),
		CHECK (used_credits >= 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS seats (
		id                VARCHAR(36)  NOT NULL PRIMARY KEY,
		organization_id   VARCHAR(64)  NOT NULL,
		entitlement_id    VARCHAR(36)  NOT NULL,
		member_identity   VARCHAR(255) NULL,
		email             VARCHAR(320) NOT NULL,
		role              VARCHAR(16)  NOT NULL,
		status            VARCHAR(16)  NOT NULL,
		invitation_ref    VARCHAR(255) NULL,
		live_key          VARCHAR(400) NULL,
		invite_expires_at BIGINT       NULL,
		expires_at        BIGINT       NULL,
		assigned_at       BIGINT       NULL,
		revoked_reason    VARCHAR(255) NULL,
		created_at        BIGINT       NOT NULL,
		updated_at        BIGINT       NOT NULL,
		UNIQUE KEY uq_seats_live_key (live_key),
		KEY idx_seats_org_status (organization_id, status),
		KEY idx_seats_org_member (organization_id, member_identity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id               VARCHAR(26)  NOT NULL PRIMARY KEY,
		subject_type     VARCHAR(16)  NOT NULL,
		subject_id       VARCHAR(255) NOT NULL,
		amount           BIGINT       NOT NULL,
		transaction_type VARCHAR(16)  NOT NULL,
		reference_id     VARCHAR(255) NULL,
		description      VARCHAR(512) NOT NULL DEFAULT '',
		created_at       BIGINT       NOT NULL,
		UNIQUE KEY uq_credit_tx_reference (reference_id, transaction_type),
		KEY idx_credit_tx_subject (subject_type, subject_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_credits (
		user_id       VARCHAR(255) NOT NULL PRIMARY KEY,
		total_credits BIGINT       NOT NULL DEFAULT 0,
		used_credits  BIGINT       NOT NULL DEFAULT 0,
		updated_at    BIGINT       NOT NULL,
		CHECK (used_credits >= 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id       VARCHAR(255) NOT NULL PRIMARY KEY,
		event_type     VARCHAR(128) NOT NULL,
		status         VARCHAR(16)  NOT NULL,
		payload        MEDIUMTEXT   NULL,
		payload_hash   VARCHAR(64)  NOT NULL DEFAULT '',
		failure_reason TEXT         NULL,
		credit_granted TINYINT      NOT NULL DEFAULT 0,
		attempts       INT          NOT NULL DEFAULT 1,
		processed_at   BIGINT       NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS billing_customers (
		customer_ref    VARCHAR(255) NOT NULL PRIMARY KEY,
		organization_id VARCHAR(64)  NOT NULL,
		created_at      BIGINT       NOT NULL,
		updated_at      BIGINT       NOT NULL,
		KEY idx_billing_customers_org (organization_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS entitlements (
		id                             TEXT    PRIMARY KEY,
		organization_id                TEXT    NOT NULL UNIQUE,
		plan_type                      TEXT    NOT NULL,
		billing_frequency              TEXT    NOT NULL,
		seats_total                    INTEGER NOT NULL DEFAULT 0 CHECK (seats_total >= 0),
		overage_seats                  INTEGER NOT NULL DEFAULT 0 CHECK (overage_seats >= 0),
		provider_seats                 INTEGER,
		seats_used                     INTEGER NOT NULL DEFAULT 0 CHECK (seats_used >= 0),
		total_credits                  INTEGER NOT NULL DEFAULT 0,
		used_credits                   INTEGER NOT NULL DEFAULT 0 CHECK (used_credits >= 0),
		status                         TEXT    NOT NULL,
		billing_customer_ref           TEXT,
		billing_subscription_ref       TEXT,
		initial_grant_subscription_ref TEXT,
		current_period_start           INTEGER,
		current_period_end             INTEGER,
		created_at                     INTEGER NOT NULL,
		updated_at                     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_subscription ON entitlements(billing_subscription_ref)`,
	`CREATE TABLE IF NOT EXISTS seats (
		id                TEXT    PRIMARY KEY,
		organization_id   TEXT    NOT NULL,
		entitlement_id    TEXT    NOT NULL,
		member_identity   TEXT,
		email             TEXT    NOT NULL,
		role              TEXT    NOT NULL,
		status            TEXT    NOT NULL,
		invitation_ref    TEXT,
		live_key          TEXT    UNIQUE,
		invite_expires_at INTEGER,
		expires_at        INTEGER,
		assigned_at       INTEGER,
		revoked_reason    TEXT,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seats_org_status ON seats(organization_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_seats_org_member ON seats(organization_id, member_identity)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id               TEXT    PRIMARY KEY,
		subject_type     TEXT    NOT NULL,
		subject_id       TEXT    NOT NULL,
		amount           INTEGER NOT NULL,
		transaction_type TEXT    NOT NULL,
		reference_id     TEXT,
		description      TEXT    NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		UNIQUE (reference_id, transaction_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_subject ON credit_transactions(subject_type, subject_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS user_credits (
		user_id       TEXT    PRIMARY KEY,
		total_credits INTEGER NOT NULL DEFAULT 0,
		used_credits  INTEGER NOT NULL DEFAULT 0 CHECK (used_credits >= 0),
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id       TEXT    PRIMARY KEY,
		event_type     TEXT    NOT NULL,
		status         TEXT    NOT NULL,
		payload        TEXT,
		payload_hash   TEXT    NOT NULL DEFAULT '',
		failure_reason TEXT,
		credit_granted INTEGER NOT NULL DEFAULT 0,
		attempts       INTEGER NOT NULL DEFAULT 1,
		processed_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS billing_customers (
		customer_ref    TEXT    PRIMARY KEY,
		organization_id TEXT    NOT NULL,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_customers_org ON billing_customers(organization_id)`,
}

// Migrate creates every table and index the ledger needs. Statements are
// idempotent and executed one at a time since the MySQL driver rejects
// multi-statement Exec by default.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var stmts []string
	switch dialect {
	case MySQL:
		stmts = mysqlSchema
	case SQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
