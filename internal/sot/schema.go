package sot

// Decimal columns are stored as TEXT and parsed with shopspring/decimal so
// monetary values survive round-trips exactly. REAL would not.
const schema = `
CREATE TABLE IF NOT EXISTS pending_orders (
    id              INTEGER  PRIMARY KEY AUTOINCREMENT,
    client_order_id TEXT     NOT NULL DEFAULT '',
    symbol          TEXT     NOT NULL,
    side            TEXT     NOT NULL,
    order_type      TEXT     NOT NULL,
    quantity        TEXT     NOT NULL,
    price           TEXT     NOT NULL DEFAULT '0',
    stop_price      TEXT     NOT NULL DEFAULT '0',
    source          TEXT     NOT NULL,
    source_ref      TEXT,
    strategy_name   TEXT     NOT NULL DEFAULT '',
    confidence      TEXT     NOT NULL DEFAULT '0',
    status          TEXT     NOT NULL DEFAULT 'PENDING',
    risk_note       TEXT     NOT NULL DEFAULT '',
    note            TEXT     NOT NULL DEFAULT '',
    error_note      TEXT     NOT NULL DEFAULT '',
    attempt_count   INTEGER  NOT NULL DEFAULT 0,
    requested_by    TEXT     NOT NULL DEFAULT '',
    reviewed_by     TEXT     NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL,
    reviewed_at     DATETIME,
    order_id        INTEGER  NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pending_status_created
    ON pending_orders(status, created_at);

-- Idempotency on (source, source_ref): only rows that carry a ref participate
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_source_ref
    ON pending_orders(source, source_ref)
    WHERE source_ref IS NOT NULL AND source_ref != '';

CREATE TABLE IF NOT EXISTS orders (
    id              INTEGER  PRIMARY KEY AUTOINCREMENT,
    client_order_id TEXT     NOT NULL,
    symbol          TEXT     NOT NULL,
    side            TEXT     NOT NULL,
    order_type      TEXT     NOT NULL,
    qty             TEXT     NOT NULL,
    remaining_qty   TEXT     NOT NULL,
    price           TEXT     NOT NULL DEFAULT '0',
    stop_price      TEXT     NOT NULL DEFAULT '0',
    status          TEXT     NOT NULL DEFAULT 'NEW',
    source          TEXT     NOT NULL,
    source_ref      TEXT     NOT NULL DEFAULT '',
    strategy_name   TEXT     NOT NULL DEFAULT '',
    maker           INTEGER  NOT NULL DEFAULT 0,
    maker_fee_rate  TEXT     NOT NULL DEFAULT '0',
    taker_fee_rate  TEXT     NOT NULL DEFAULT '0',
    latency_ms      INTEGER  NOT NULL DEFAULT 0,
    submitted_at    DATETIME,
    executed_at     DATETIME,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_client_id ON orders(client_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS order_events (
    id         INTEGER  PRIMARY KEY AUTOINCREMENT,
    order_id   INTEGER  NOT NULL,
    event_type TEXT     NOT NULL,
    event_time DATETIME NOT NULL,
    payload    TEXT     NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_order ON order_events(order_id);

CREATE TABLE IF NOT EXISTS order_fills (
    id              INTEGER  PRIMARY KEY AUTOINCREMENT,
    order_id        INTEGER  NOT NULL,
    fill_qty        TEXT     NOT NULL,
    fill_price      TEXT     NOT NULL,
    effective_price TEXT     NOT NULL,
    fees            TEXT     NOT NULL DEFAULT '0',
    slippage_amount TEXT     NOT NULL DEFAULT '0',
    liquidity       TEXT     NOT NULL,
    filled_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_order ON order_fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_filled_at ON order_fills(filled_at);

CREATE TABLE IF NOT EXISTS order_costs (
    order_id   INTEGER  PRIMARY KEY,
    total_fees TEXT     NOT NULL DEFAULT '0',
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS order_pnl (
    order_id     INTEGER  PRIMARY KEY,
    realized_pnl TEXT     NOT NULL DEFAULT '0',
    cost_basis   TEXT     NOT NULL DEFAULT '0',
    updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pyramid_sessions (
    id               INTEGER  PRIMARY KEY AUTOINCREMENT,
    symbol           TEXT     NOT NULL,
    entry_price      TEXT     NOT NULL,
    distance_pct     TEXT     NOT NULL,
    max_waves        INTEGER  NOT NULL,
    isolated_fund    TEXT     NOT NULL,
    tp_pct           TEXT     NOT NULL,
    timeout_min      TEXT     NOT NULL DEFAULT '0',
    gap_min          TEXT     NOT NULL DEFAULT '0',
    pip_multiplier   TEXT     NOT NULL DEFAULT '0',
    status           TEXT     NOT NULL DEFAULT 'PENDING',
    stop_reason      TEXT     NOT NULL DEFAULT '',
    fund_flagged     INTEGER  NOT NULL DEFAULT 0,
    current_wave     INTEGER  NOT NULL DEFAULT 0,
    total_filled_qty TEXT     NOT NULL DEFAULT '0',
    total_cost       TEXT     NOT NULL DEFAULT '0',
    avg_price        TEXT     NOT NULL DEFAULT '0',
    created_by       TEXT     NOT NULL DEFAULT '',
    note             TEXT     NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    last_fill_at     DATETIME,
    last_queued_at   DATETIME,
    completed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON pyramid_sessions(status);

CREATE TABLE IF NOT EXISTS pyramid_waves (
    id               INTEGER  PRIMARY KEY AUTOINCREMENT,
    session_id       INTEGER  NOT NULL,
    wave_num         INTEGER  NOT NULL,
    target_qty       TEXT     NOT NULL,
    target_price     TEXT     NOT NULL,
    status           TEXT     NOT NULL DEFAULT 'PENDING',
    filled_qty       TEXT     NOT NULL DEFAULT '0',
    filled_price     TEXT     NOT NULL DEFAULT '0',
    filled_at        DATETIME,
    pending_order_id INTEGER  NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_waves_session_num
    ON pyramid_waves(session_id, wave_num);
`
