package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_ledger (
	id SMALLINT PRIMARY KEY,
	owner BYTEA NOT NULL,
	lock_duration BIGINT NOT NULL,

	head_key BYTEA NOT NULL,
	tail_key BYTEA NOT NULL,
	prev_tail_key BYTEA NOT NULL,

	deposit_count BIGINT NOT NULL,
	pooled NUMERIC(78,0) NOT NULL,
	paid_out NUMERIC(78,0) NOT NULL,
	deposited NUMERIC(78,0) NOT NULL,
	refunded NUMERIC(78,0) NOT NULL,
	writer_epoch BIGINT NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT ledger_singleton CHECK (id = 1),
	CONSTRAINT owner_len CHECK (octet_length(owner) = 20),
	CONSTRAINT head_len CHECK (octet_length(head_key) = 16),
	CONSTRAINT tail_len CHECK (octet_length(tail_key) = 16),
	CONSTRAINT prev_tail_len CHECK (octet_length(prev_tail_key) = 16),
	CONSTRAINT lock_duration_pos CHECK (lock_duration > 0),
	CONSTRAINT deposit_count_nonneg CHECK (deposit_count >= 0),
	CONSTRAINT conservation CHECK (pooled + paid_out + refunded = deposited)
);

ALTER TABLE escrow_ledger ADD COLUMN IF NOT EXISTS writer_epoch BIGINT NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS escrow_batches (
	matures_at BIGINT PRIMARY KEY,
	key BYTEA NOT NULL,
	count BIGINT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	next_key BYTEA NOT NULL,
	drained BOOLEAN NOT NULL DEFAULT false,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT key_len CHECK (octet_length(key) = 16),
	CONSTRAINT next_key_len CHECK (octet_length(next_key) = 16),
	CONSTRAINT count_pos CHECK (count > 0),
	CONSTRAINT amount_nonneg CHECK (amount >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS escrow_batches_live_key_idx ON escrow_batches (key) WHERE NOT drained;

CREATE TABLE IF NOT EXISTS escrow_index (
	key BYTEA PRIMARY KEY,
	matures_at BIGINT NOT NULL REFERENCES escrow_batches (matures_at),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT index_key_len CHECK (octet_length(key) = 16)
);

CREATE INDEX IF NOT EXISTS escrow_index_matures_at_idx ON escrow_index (matures_at);
`
