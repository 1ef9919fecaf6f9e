package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store.
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_plans",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_plans (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    slug          TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    type          TEXT NOT NULL DEFAULT 'basic',
    price_amount  BIGINT NOT NULL DEFAULT 0,
    currency      TEXT NOT NULL DEFAULT '',
    duration_days INT NOT NULL DEFAULT 0,
    max_uses      INT NOT NULL DEFAULT 0,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    metadata      JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_plans_slug ON entitle_plans (slug) WHERE slug != '';
CREATE INDEX IF NOT EXISTS idx_entitle_plans_active ON entitle_plans (active, type);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_plans`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_user_packages",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_user_packages (
    id                    TEXT PRIMARY KEY,
    owner_id              TEXT NOT NULL,
    plan_id               TEXT NOT NULL,
    package_type          TEXT NOT NULL DEFAULT '',
    purchase_date         TIMESTAMPTZ NOT NULL,
    expiry_date           TIMESTAMPTZ NOT NULL,
    is_active             BOOLEAN NOT NULL DEFAULT TRUE,
    uses_consumed         INT NOT NULL DEFAULT 0,
    max_uses              INT NOT NULL DEFAULT 0,
    price_amount          BIGINT NOT NULL DEFAULT 0,
    currency              TEXT NOT NULL DEFAULT '',
    payment_method        TEXT NOT NULL DEFAULT '',
    payment_id            TEXT NOT NULL DEFAULT '',
    payment_status        TEXT NOT NULL DEFAULT '',
    funded_by_voucher     BOOLEAN NOT NULL DEFAULT FALSE,
    voucher_code          TEXT NOT NULL DEFAULT '',
    renewal_eligible_date TIMESTAMPTZ,
    is_renewal_eligible   BOOLEAN NOT NULL DEFAULT FALSE,
    renewed_from_id       TEXT NOT NULL DEFAULT '',
    renewed_to_id         TEXT NOT NULL DEFAULT '',
    deactivated_at        TIMESTAMPTZ,
    version               BIGINT NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_packages_owner ON entitle_user_packages (owner_id, is_active, purchase_date DESC);
CREATE INDEX IF NOT EXISTS idx_entitle_packages_active ON entitle_user_packages (id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_entitle_packages_deactivated ON entitle_user_packages (deactivated_at) WHERE NOT is_active;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_user_packages`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_owners",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_owners (
    id                     TEXT PRIMARY KEY,
    current_entitlement_id TEXT NOT NULL DEFAULT '',
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_owners`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_vouchers",
			Version: "20260101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_vouchers (
    id                TEXT PRIMARY KEY,
    code              TEXT NOT NULL,
    amount            BIGINT NOT NULL,
    currency          TEXT NOT NULL,
    amount_used       BIGINT NOT NULL DEFAULT 0,
    buyer_id          TEXT NOT NULL,
    recipient_name    TEXT NOT NULL DEFAULT '',
    recipient_email   TEXT NOT NULL DEFAULT '',
    message           VARCHAR(200) NOT NULL DEFAULT '',
    payment_reference TEXT NOT NULL,
    expiry_date       TIMESTAMPTZ NOT NULL,
    is_redeemed       BOOLEAN NOT NULL DEFAULT FALSE,
    redeemed_at       TIMESTAMPTZ,
    redeemed_by       TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (amount > 0),
    CHECK (amount_used >= 0 AND amount_used <= amount)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_vouchers_code ON entitle_vouchers (code);
CREATE INDEX IF NOT EXISTS idx_entitle_vouchers_buyer ON entitle_vouchers (buyer_id, created_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_vouchers`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_history",
			Version: "20260101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_snapshots (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    kind       TEXT NOT NULL DEFAULT '',
    payload    JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_snapshots_owner ON entitle_snapshots (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS entitle_sessions (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitle_sessions_owner ON entitle_sessions (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_entitle_sessions_created ON entitle_sessions (created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS entitle_sessions;
DROP TABLE IF EXISTS entitle_snapshots;
`)
				return err
			},
		},
	)
}
