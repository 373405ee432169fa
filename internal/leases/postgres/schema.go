package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	epoch BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT epoch_pos CHECK (epoch > 0)
);
`
