package app

import "serotonyl.ru/gift-courier/internal/db/postgres"

// SQL-миграции встроены в код для упрощения деплоя.
var migrations = []postgres.Migration{
	{Version: 1, Name: "bots", SQL: migration001Bots},
	{Version: 2, Name: "orders", SQL: migration002Orders},
	{Version: 3, Name: "friendships", SQL: migration003Friendships},
	{Version: 4, Name: "gifts", SQL: migration004Gifts},
	{Version: 5, Name: "order_progress", SQL: migration005Progress},
	{Version: 6, Name: "jobs", SQL: migration006Jobs},
	{Version: 7, Name: "admin", SQL: migration007Admin},
	{Version: 8, Name: "gifts_failed_at", SQL: migration008GiftsFailedAt},
}

var migration001Bots = `
CREATE TABLE IF NOT EXISTS bots (
    id BIGSERIAL PRIMARY KEY,
    username VARCHAR(255) UNIQUE NOT NULL,
    display_name VARCHAR(255) NOT NULL DEFAULT '',
    secret_sealed BYTEA NOT NULL,
    proxy_url TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL DEFAULT 'OFFLINE',
    balance BIGINT NOT NULL DEFAULT 0,
    max_gifts_per_day INTEGER NOT NULL DEFAULT 5,
    error_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    last_heartbeat TIMESTAMPTZ,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_bots_active ON bots(is_active, created_at);
`

var migration002Orders = `
CREATE TABLE IF NOT EXISTS orders (
    id BIGSERIAL PRIMARY KEY,
    customer_id VARCHAR(255) NOT NULL,
    recipient VARCHAR(255) NOT NULL,
    priority SMALLINT NOT NULL DEFAULT 3,
    status VARCHAR(32) NOT NULL DEFAULT 'PAID',
    assigned_bot_id BIGINT REFERENCES bots(id),
    attempts INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    current_step TEXT NOT NULL DEFAULT '',
    flagged BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_bot ON orders(assigned_bot_id);

CREATE TABLE IF NOT EXISTS order_items (
    id BIGSERIAL PRIMARY KEY,
    order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
    name VARCHAR(255) NOT NULL,
    offer_query VARCHAR(255) NOT NULL,
    price BIGINT NOT NULL,
    quantity INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);
`

var migration003Friendships = `
CREATE TABLE IF NOT EXISTS friendships (
    id BIGSERIAL PRIMARY KEY,
    bot_id BIGINT NOT NULL REFERENCES bots(id),
    recipient VARCHAR(255) NOT NULL,
    recipient_account_id VARCHAR(255) NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL,
    requested_at TIMESTAMPTZ NOT NULL,
    friended_at TIMESTAMPTZ,
    can_gift_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (bot_id, recipient)
);
CREATE INDEX IF NOT EXISTS idx_friendships_account ON friendships(bot_id, recipient_account_id);
`

// Квота считается по записям gifts, поэтому индекс по (bot_id, sent_at).
var migration004Gifts = `
CREATE TABLE IF NOT EXISTS gifts (
    id BIGSERIAL PRIMARY KEY,
    order_id BIGINT NOT NULL REFERENCES orders(id),
    item_id BIGINT NOT NULL REFERENCES order_items(id),
    bot_id BIGINT NOT NULL REFERENCES bots(id),
    recipient VARCHAR(255) NOT NULL,
    offer_id VARCHAR(255) NOT NULL DEFAULT '',
    price BIGINT NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (order_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_gifts_bot_sent ON gifts(bot_id, sent_at);
`

var migration005Progress = `
CREATE TABLE IF NOT EXISTS order_progress (
    id BIGSERIAL PRIMARY KEY,
    order_id BIGINT NOT NULL REFERENCES orders(id),
    stage VARCHAR(32) NOT NULL,
    details JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_order_progress_order ON order_progress(order_id, created_at);
`

var migration006Jobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(255) PRIMARY KEY,
    seq BIGSERIAL,
    queue VARCHAR(32) NOT NULL,
    payload JSONB NOT NULL,
    priority SMALLINT NOT NULL DEFAULT 3,
    run_at TIMESTAMPTZ NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    state VARCHAR(16) NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(queue, state, priority, run_at, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(state, finished_at);
`

var migration007Admin = `
CREATE TABLE IF NOT EXISTS admin_sessions (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    session_token VARCHAR(255) UNIQUE,
    authenticated_at TIMESTAMPTZ DEFAULT NOW(),
    expires_at TIMESTAMPTZ,
    last_activity TIMESTAMPTZ DEFAULT NOW(),
    is_active BOOLEAN DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_admin_sessions_user_id ON admin_sessions(user_id);
CREATE TABLE IF NOT EXISTS admin_login_attempts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT,
    attempt_time TIMESTAMPTZ DEFAULT NOW(),
    success BOOLEAN DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_admin_login_attempts_user ON admin_login_attempts(user_id, attempt_time);
`

var migration008GiftsFailedAt = `
ALTER TABLE gifts ADD COLUMN IF NOT EXISTS failed_at TIMESTAMPTZ;
`
