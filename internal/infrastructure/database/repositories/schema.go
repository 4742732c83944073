package repositories

import (
	"context"
	"fmt"

	"github.com/esogbengastephen/sendapp-offramp/pkg/postgresql"
)

const schema = `
CREATE TABLE IF NOT EXISTS offramp_transactions (
  id                     BIGSERIAL PRIMARY KEY,
  transaction_id         TEXT NOT NULL UNIQUE,
  user_id                TEXT,
  deposit_address        TEXT NOT NULL,
  encrypted_private_key  TEXT NOT NULL DEFAULT '',
  derivation_scheme      TEXT NOT NULL,
  derivation_identifier  TEXT NOT NULL,
  derivation_path        TEXT NOT NULL,
  account_number         TEXT NOT NULL,
  account_name           TEXT NOT NULL DEFAULT '',
  bank_code              TEXT NOT NULL,
  quoted_token_amount    NUMERIC(78,18) NOT NULL DEFAULT 0,
  payment_reference      TEXT NOT NULL DEFAULT '',
  token_address          TEXT NOT NULL DEFAULT '',
  token_symbol           TEXT NOT NULL DEFAULT '',
  token_decimals         INTEGER NOT NULL DEFAULT 0,
  token_amount_raw       NUMERIC(78,0) NOT NULL DEFAULT 0,
  token_amount           NUMERIC(78,18) NOT NULL DEFAULT 0,
  stable_amount_raw      NUMERIC(78,0) NOT NULL DEFAULT 0,
  stable_amount          NUMERIC(78,18) NOT NULL DEFAULT 0,
  quoted_stable_amount   NUMERIC(78,18) NOT NULL DEFAULT 0,
  swap_provider          TEXT NOT NULL DEFAULT '',
  fiat_amount            NUMERIC(20,2) NOT NULL DEFAULT 0,
  fee                    NUMERIC(20,2) NOT NULL DEFAULT 0,
  fee_token              NUMERIC(78,18) NOT NULL DEFAULT 0,
  net_payout             NUMERIC(20,2) NOT NULL DEFAULT 0,
  exchange_rate          NUMERIC(20,6) NOT NULL DEFAULT 0,
  status                 TEXT NOT NULL DEFAULT 'pending' CHECK (status IN
                           ('pending','token_received','swapping','usdc_received','paying','completed','failed','refunded')),
  swap_attempt_count     INTEGER NOT NULL DEFAULT 0 CHECK (swap_attempt_count >= 0),
  payout_attempt_count   INTEGER NOT NULL DEFAULT 0 CHECK (payout_attempt_count >= 0),
  error_message          TEXT NOT NULL DEFAULT '',
  swap_tx_hash           TEXT NOT NULL DEFAULT '',
  settlement_tx_hash     TEXT NOT NULL DEFAULT '',
  refund_tx_hash         TEXT NOT NULL DEFAULT '',
  refund_address         TEXT NOT NULL DEFAULT '',
  payout_reference       TEXT NOT NULL DEFAULT '',
  expires_at             TIMESTAMPTZ NOT NULL,
  created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
  token_received_at      TIMESTAMPTZ,
  usdc_received_at       TIMESTAMPTZ,
  paid_at                TIMESTAMPTZ,
  completed_at           TIMESTAMPTZ,
  CONSTRAINT completed_has_settlement CHECK (status <> 'completed' OR settlement_tx_hash <> '')
);

CREATE UNIQUE INDEX IF NOT EXISTS offramp_transactions_active_address
  ON offramp_transactions (lower(deposit_address))
  WHERE status NOT IN ('completed','failed','refunded');

CREATE INDEX IF NOT EXISTS offramp_transactions_status_updated
  ON offramp_transactions (status, updated_at);

CREATE INDEX IF NOT EXISTS offramp_transactions_user_request
  ON offramp_transactions (user_id, account_number, bank_code, quoted_token_amount);
`

// Constraint names used to tell duplicate ids from address conflicts.
const (
	transactionIDConstraint = "offramp_transactions_transaction_id_key"
	activeAddressConstraint = "offramp_transactions_active_address"
)

// EnsureSchema creates the ledger table and its indexes when they are missing.
func EnsureSchema(ctx context.Context, db postgresql.Client) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
