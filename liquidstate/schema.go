package liquidstate

import "strings"

var (
	strZeroBytes32 = strings.Repeat("0", 64)

	// table that stores the life cycle of a liquid send
	liquidSendTable = `CREATE TABLE IF NOT EXISTS liquid_send (
		payment_hash CHAR(64) PRIMARY KEY NOT NULL,
		destination TEXT NOT NULL,
		amount_sats BIGINT NOT NULL,
		htlc_vtxo_ids BLOB NOT NULL,
		htlc_expiry INTEGER NOT NULL,
		movement_id INTEGER NOT NULL,
		confirmed BOOLEAN NOT NULL DEFAULT 0,
		revocation_stage VARCHAR(12) NOT NULL DEFAULT 'none',
		proof BLOB,
		created_at INTEGER NOT NULL,
		finished_at INTEGER,
		CONSTRAINT chk_amount CHECK (amount_sats > 0),
		CONSTRAINT chk_payment_hash CHECK (payment_hash != '` + strZeroBytes32 + `'),
		CONSTRAINT chk_stage CHECK (revocation_stage IN ('none', 'reclaimed', 'htlc_spent', 'closed')),
		CONSTRAINT chk_confirmed CHECK (confirmed = 0 OR finished_at IS NOT NULL)
	);
	CREATE INDEX IF NOT EXISTS idx_liquid_send_finished_at ON liquid_send (finished_at);

	-- revoked records whose payment hash was used again
	CREATE TABLE IF NOT EXISTS liquid_send_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_hash CHAR(64) NOT NULL,
		destination TEXT NOT NULL,
		amount_sats BIGINT NOT NULL,
		htlc_vtxo_ids BLOB NOT NULL,
		htlc_expiry INTEGER NOT NULL,
		movement_id INTEGER NOT NULL,
		confirmed BOOLEAN NOT NULL,
		revocation_stage VARCHAR(12) NOT NULL,
		proof BLOB,
		created_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_liquid_send_archive_payment_hash ON liquid_send_archive (payment_hash);`

	sendColumns = ` payment_hash, destination, amount_sats, htlc_vtxo_ids, htlc_expiry, movement_id,
		confirmed, revocation_stage, proof, created_at, finished_at `
)
