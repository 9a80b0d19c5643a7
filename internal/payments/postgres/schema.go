package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS crypto_payments (
	reference TEXT PRIMARY KEY,
	method TEXT NOT NULL,
	prime BIGINT NOT NULL,
	payer TEXT NOT NULL,
	address TEXT NOT NULL,
	amount_crypto TEXT NOT NULL,
	amount_usd BIGINT NOT NULL,
	rate DOUBLE PRECISION NOT NULL,
	rate_source TEXT NOT NULL DEFAULT '',
	uri TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	tx_hash TEXT,
	confirmations INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	confirmed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT crypto_payments_method_chk CHECK (method IN ('bitcoin', 'dogecoin')),
	CONSTRAINT crypto_payments_status_chk CHECK (status IN ('pending', 'confirmed')),
	CONSTRAINT crypto_payments_prime_chk CHECK (prime >= 2),
	CONSTRAINT crypto_payments_confirmations_chk CHECK (confirmations >= 0)
);

CREATE INDEX IF NOT EXISTS crypto_payments_prime_idx ON crypto_payments (prime);
CREATE INDEX IF NOT EXISTS crypto_payments_pending_created_idx ON crypto_payments (created_at) WHERE status = 'pending';
`
