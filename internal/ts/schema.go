package ts

// Derived tables only. Everything here is reproducible from the SOT fill log,
// so the schema carries no uniqueness beyond what the projection itself needs.
// Decimals are TEXT for exact round-trips, as in the SOT store.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
    symbol          TEXT     PRIMARY KEY,
    quantity        TEXT     NOT NULL DEFAULT '0',
    avg_entry_price TEXT     NOT NULL DEFAULT '0',
    total_cost      TEXT     NOT NULL DEFAULT '0',
    realized_pnl    TEXT     NOT NULL DEFAULT '0',
    updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id             INTEGER  PRIMARY KEY AUTOINCREMENT,
    entry_order_id INTEGER  NOT NULL,
    exit_order_id  INTEGER  NOT NULL DEFAULT 0,
    symbol         TEXT     NOT NULL,
    side           TEXT     NOT NULL,
    status         TEXT     NOT NULL DEFAULT 'OPEN',
    entry_qty      TEXT     NOT NULL DEFAULT '0',
    entry_price    TEXT     NOT NULL DEFAULT '0',
    entry_time     DATETIME,
    exit_qty       TEXT     NOT NULL DEFAULT '0',
    exit_price     TEXT     NOT NULL DEFAULT '0',
    exit_time      DATETIME,
    current_qty    TEXT     NOT NULL DEFAULT '0',
    strategy_code  TEXT     NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_entry_order ON trades(entry_order_id);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);

CREATE TABLE IF NOT EXISTS trade_pnl (
    trade_id       INTEGER  PRIMARY KEY,
    gross_pnl      TEXT     NOT NULL DEFAULT '0',
    total_fees     TEXT     NOT NULL DEFAULT '0',
    net_pnl        TEXT     NOT NULL DEFAULT '0',
    return_pct     TEXT     NOT NULL DEFAULT '0',
    realized_pnl   TEXT     NOT NULL DEFAULT '0',
    unrealized_pnl TEXT     NOT NULL DEFAULT '0',
    duration_s     INTEGER  NOT NULL DEFAULT 0,
    updated_at     DATETIME NOT NULL
);

-- Position-level realized amounts, one row per applied SELL fill. Windowed
-- queries (daily loss) read this; totals read positions.realized_pnl.
CREATE TABLE IF NOT EXISTS realized_events (
    id          INTEGER  PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT     NOT NULL,
    amount      TEXT     NOT NULL,
    realized_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_realized_at ON realized_events(realized_at);

-- Exactly-once guard: a fill id lands here in the same transaction that
-- applies it, so redelivery is a clean no-op.
CREATE TABLE IF NOT EXISTS applied_fills (
    fill_id    INTEGER  PRIMARY KEY,
    applied_at DATETIME NOT NULL
);
`
