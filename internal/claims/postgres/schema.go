package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS prime_claims (
	prime BIGINT PRIMARY KEY,
	payer TEXT NOT NULL,
	status TEXT NOT NULL,

	expires_at TIMESTAMPTZ,

	payment_method TEXT,
	payment_ref TEXT,
	amount_paid NUMERIC(30, 8),

	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	paid_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT prime_min CHECK (prime >= 2),
	CONSTRAINT payer_nonempty CHECK (payer <> ''),
	CONSTRAINT status_valid CHECK (status IN ('pending', 'paid')),
	CONSTRAINT paid_has_paid_at CHECK (status <> 'paid' OR paid_at IS NOT NULL),
	CONSTRAINT paid_has_no_expiry CHECK (status <> 'paid' OR expires_at IS NULL),
	CONSTRAINT amount_nonneg CHECK (amount_paid IS NULL OR amount_paid >= 0)
);

ALTER TABLE prime_claims ALTER COLUMN amount_paid TYPE NUMERIC(30, 8);

CREATE UNIQUE INDEX IF NOT EXISTS prime_claims_paid_payer_uniq ON prime_claims (payer) WHERE status = 'paid';
CREATE UNIQUE INDEX IF NOT EXISTS prime_claims_payment_ref_uniq ON prime_claims (payment_ref) WHERE payment_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS prime_claims_payer_idx ON prime_claims (payer);
CREATE INDEX IF NOT EXISTS prime_claims_pending_idx ON prime_claims (status, expires_at, claimed_at) WHERE status = 'pending';
`
