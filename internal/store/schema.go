package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS principals (
    id                BIGSERIAL PRIMARY KEY,
    kind              TEXT NOT NULL DEFAULT 'character',
    character_id      BIGINT NOT NULL UNIQUE,
    name              TEXT NOT NULL,
    corporation_id    BIGINT NOT NULL DEFAULT 0,
    corporation_name  TEXT NOT NULL DEFAULT '',
    refresh_token     TEXT NOT NULL DEFAULT '',
    scopes            TEXT NOT NULL DEFAULT '',
    owner_hash        TEXT NOT NULL DEFAULT '',
    scan_buys         BOOLEAN NOT NULL DEFAULT TRUE,
    scan_sells        BOOLEAN NOT NULL DEFAULT TRUE,
    is_default_trader BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS items (
    id          BIGSERIAL PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    eve_type_id BIGINT UNIQUE,
    volume_m3   DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS import_batches (
    id         TEXT PRIMARY KEY,
    note       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_lots (
    id                 BIGSERIAL PRIMARY KEY,
    item_id            BIGINT NOT NULL REFERENCES items(id),
    quantity_total     BIGINT NOT NULL CHECK (quantity_total > 0),
    quantity_remaining BIGINT NOT NULL CHECK (quantity_remaining >= 0 AND quantity_remaining <= quantity_total),
    unit_cost          NUMERIC NOT NULL,
    acquired_at        TIMESTAMPTZ NOT NULL,
    source             TEXT NOT NULL DEFAULT '',
    batch_id           TEXT REFERENCES import_batches(id)
);

CREATE INDEX IF NOT EXISTS idx_inventory_lots_fifo
    ON inventory_lots (item_id, acquired_at, id) WHERE quantity_remaining > 0;

CREATE TABLE IF NOT EXISTS inventory_events (
    id         BIGSERIAL PRIMARY KEY,
    event_type TEXT NOT NULL,
    eve_time   TIMESTAMPTZ NOT NULL,
    item_id    BIGINT NOT NULL REFERENCES items(id),
    lot_id     BIGINT REFERENCES inventory_lots(id),
    quantity   BIGINT NOT NULL,
    unit_price NUMERIC,
    note       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS wallet_queue (
    id             BIGSERIAL PRIMARY KEY,
    source_kind    TEXT NOT NULL,
    principal_id   BIGINT NOT NULL REFERENCES principals(id),
    transaction_id BIGINT NOT NULL,
    item_id        BIGINT NOT NULL REFERENCES items(id),
    quantity       BIGINT NOT NULL,
    unit_price     NUMERIC NOT NULL,
    location_id    BIGINT NOT NULL DEFAULT 0,
    eve_time       TIMESTAMPTZ NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    applied_at     TIMESTAMPTZ,
    UNIQUE (principal_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS wallet_sync_state (
    principal_id        BIGINT PRIMARY KEY REFERENCES principals(id),
    source_kind         TEXT NOT NULL,
    last_transaction_id BIGINT,
    last_sync_at        TIMESTAMPTZ NOT NULL,
    last_sync_status    TEXT NOT NULL,
    last_sync_message   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Timestamps are stored as fixed-width UTC text so lexical order matches
// chronological order.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS principals (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    kind              TEXT NOT NULL DEFAULT 'character',
    character_id      INTEGER NOT NULL UNIQUE,
    name              TEXT NOT NULL,
    corporation_id    INTEGER NOT NULL DEFAULT 0,
    corporation_name  TEXT NOT NULL DEFAULT '',
    refresh_token     TEXT NOT NULL DEFAULT '',
    scopes            TEXT NOT NULL DEFAULT '',
    owner_hash        TEXT NOT NULL DEFAULT '',
    scan_buys         INTEGER NOT NULL DEFAULT 1,
    scan_sells        INTEGER NOT NULL DEFAULT 1,
    is_default_trader INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    eve_type_id INTEGER UNIQUE,
    volume_m3   REAL
);

CREATE TABLE IF NOT EXISTS import_batches (
    id         TEXT PRIMARY KEY,
    note       TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_lots (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id            INTEGER NOT NULL REFERENCES items(id),
    quantity_total     INTEGER NOT NULL CHECK (quantity_total > 0),
    quantity_remaining INTEGER NOT NULL CHECK (quantity_remaining >= 0 AND quantity_remaining <= quantity_total),
    unit_cost          TEXT NOT NULL,
    acquired_at        TEXT NOT NULL,
    source             TEXT NOT NULL DEFAULT '',
    batch_id           TEXT REFERENCES import_batches(id)
);

CREATE INDEX IF NOT EXISTS idx_inventory_lots_fifo
    ON inventory_lots (item_id, acquired_at, id);

CREATE TABLE IF NOT EXISTS inventory_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    eve_time   TEXT NOT NULL,
    item_id    INTEGER NOT NULL REFERENCES items(id),
    lot_id     INTEGER REFERENCES inventory_lots(id),
    quantity   INTEGER NOT NULL,
    unit_price TEXT,
    note       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS wallet_queue (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    source_kind    TEXT NOT NULL,
    principal_id   INTEGER NOT NULL REFERENCES principals(id),
    transaction_id INTEGER NOT NULL,
    item_id        INTEGER NOT NULL REFERENCES items(id),
    quantity       INTEGER NOT NULL,
    unit_price     TEXT NOT NULL,
    location_id    INTEGER NOT NULL DEFAULT 0,
    eve_time       TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    applied_at     TEXT,
    UNIQUE (principal_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS wallet_sync_state (
    principal_id        INTEGER PRIMARY KEY REFERENCES principals(id),
    source_kind         TEXT NOT NULL,
    last_transaction_id INTEGER,
    last_sync_at        TEXT NOT NULL,
    last_sync_status    TEXT NOT NULL,
    last_sync_message   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
