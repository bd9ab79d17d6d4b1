package db

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS intents (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    strategy TEXT NOT NULL,
    symbol TEXT NOT NULL,
    kind TEXT NOT NULL,
    request TEXT NOT NULL,
    status TEXT NOT NULL,
    message TEXT,
    broker_order_id TEXT,
    modified_qty INTEGER,
    trade_date TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_intents_key ON intents(idempotency_key, trade_date);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    intent_id TEXT,
    strategy TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty INTEGER NOT NULL,
    filled_qty INTEGER DEFAULT 0,
    limit_price REAL,
    status TEXT NOT NULL,
    branch TEXT,
    submitted_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS order_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    event TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS fills (
    exec_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty INTEGER NOT NULL,
    price REAL NOT NULL,
    strategy TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT PRIMARY KEY,
    real_qty INTEGER NOT NULL,
    avg_price REAL NOT NULL,
    hard_stop REAL,
    frozen INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS allocations (
    symbol TEXT NOT NULL,
    strategy TEXT NOT NULL,
    qty INTEGER NOT NULL,
    cost_basis REAL NOT NULL,
    soft_stop REAL,
    entered_at DATETIME,
    time_stop DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, strategy)
);

CREATE TABLE IF NOT EXISTS portfolio_risk_daily (
    trade_date TEXT PRIMARY KEY,
    equity REAL NOT NULL,
    buyable_cash REAL,
    daily_realized_pnl REAL,
    daily_pnl REAL,
    daily_pnl_pct REAL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_risk_daily (
    trade_date TEXT NOT NULL,
    strategy TEXT NOT NULL,
    realized_pnl REAL DEFAULT 0,
    positions INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (trade_date, strategy)
);

CREATE TABLE IF NOT EXISTS strategy_state (
    strategy TEXT PRIMARY KEY,
    paused INTEGER DEFAULT 0,
    last_heartbeat DATETIME
);

CREATE TABLE IF NOT EXISTS oms_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    safe_mode INTEGER DEFAULT 0,
    halt_entries INTEGER DEFAULT 0,
    status TEXT,
    last_heartbeat DATETIME
);

CREATE TABLE IF NOT EXISTS reconciliation_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    symbol TEXT,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trade_lifecycle (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    strategy TEXT NOT NULL,
    event TEXT NOT NULL,
    qty INTEGER NOT NULL,
    price REAL NOT NULL,
    realized_pnl REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS excursion_marks (
    trade_date TEXT NOT NULL,
    symbol TEXT NOT NULL,
    strategy TEXT NOT NULL,
    cost_basis REAL NOT NULL,
    low_price REAL NOT NULL,
    high_price REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (trade_date, symbol, strategy)
);
`
