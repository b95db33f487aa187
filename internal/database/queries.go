package database

const (
	// Address pool queries
	queryInsertAddress = `
		INSERT OR IGNORE INTO public_addresses (id, address, network) VALUES (?, ?, ?)`

	queryPickAvailableAddress = `
		SELECT id FROM public_addresses WHERE status = 'available' LIMIT 1`

	queryClaimAddress = `
		UPDATE public_addresses
		SET status = 'assigned', user_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'available'`

	queryReleaseAddress = `
		UPDATE public_addresses
		SET status = 'available', user_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND status = 'assigned'`

	queryGetAddressById = `
		SELECT id, address, network, status, COALESCE(user_id, ''), created_at, updated_at
		FROM public_addresses
		WHERE id = ?`

	queryGetUserAssignedAddress = `
		SELECT id, address, network, status, COALESCE(user_id, ''), created_at, updated_at
		FROM public_addresses
		WHERE user_id = ? AND status = 'assigned'`

	queryGetAvailableAddresses = `
		SELECT id, address, network, status, COALESCE(user_id, ''), created_at, updated_at
		FROM public_addresses
		WHERE status = 'available'
		ORDER BY created_at`

	queryDeleteAddress = `
		DELETE FROM public_addresses WHERE id = ?`

	// User directory queries
	queryInsertUser = `
		INSERT INTO users (id, phone_number, name, password_hash) VALUES (?, ?, ?, ?)`

	queryGetUserById = `
		SELECT id, phone_number, name, password_hash, is_verified,
		       COALESCE(assigned_address_id, ''), COALESCE(assigned_address, ''),
		       created_at, updated_at
		FROM users
		WHERE id = ?`

	queryGetUserByPhone = `
		SELECT id, phone_number, name, password_hash, is_verified,
		       COALESCE(assigned_address_id, ''), COALESCE(assigned_address, ''),
		       created_at, updated_at
		FROM users
		WHERE phone_number = ?`

	queryAttachUserAddress = `
		UPDATE users
		SET assigned_address_id = ?, assigned_address = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryDetachUserAddress = `
		UPDATE users
		SET assigned_address_id = NULL, assigned_address = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryMarkUserVerified = `
		UPDATE users SET is_verified = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	queryUsersWithoutAddress = `
		SELECT id, phone_number, name, password_hash, is_verified,
		       COALESCE(assigned_address_id, ''), COALESCE(assigned_address, ''),
		       created_at, updated_at
		FROM users
		WHERE assigned_address_id IS NULL
		ORDER BY created_at`

	// Ledger queries
	queryCheckCorrelationId = `
		SELECT id FROM transactions WHERE correlation_id = ? LIMIT 1`

	queryInsertTransaction = `
		INSERT INTO transactions (
			id, correlation_id, user_id, kind, amount, status,
			chain_tx_hash, from_address, to_address, metadata
		) VALUES (?, ?, ?, ?, ?, 'PENDING', ?, ?, ?, ?)`

	queryGetTransactionById = `
		SELECT id, correlation_id, user_id, kind, amount, status,
		       chain_tx_hash, from_address, to_address, rejection_reason, metadata,
		       created_at, updated_at
		FROM transactions
		WHERE id = ?`

	queryGetTransactionByCorrelationId = `
		SELECT id, correlation_id, user_id, kind, amount, status,
		       chain_tx_hash, from_address, to_address, rejection_reason, metadata,
		       created_at, updated_at
		FROM transactions
		WHERE correlation_id = ?`

	queryTransitionTransaction = `
		UPDATE transactions
		SET status = ?, rejection_reason = ?, chain_tx_hash = ?, metadata = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`

	queryGetTransactionMetadata = `
		SELECT metadata FROM transactions WHERE id = ?`

	queryMergeTransactionMetadata = `
		UPDATE transactions
		SET metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND metadata = ?`

	queryListUserTransactions = `
		SELECT id, correlation_id, user_id, kind, amount, status,
		       chain_tx_hash, from_address, to_address, rejection_reason, metadata,
		       created_at, updated_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`

	// Purchase queries
	queryInsertPurchase = `
		INSERT INTO purchases (id, user_id, fiat_amount, crypto_amount, exchange_rate, fee_amount)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetPurchaseById = `
		SELECT id, user_id, fiat_amount, crypto_amount, exchange_rate, fee_amount,
		       status, receipt_ref, rejection_reason, chain_tx_hash, confirmed_at,
		       created_at, updated_at
		FROM purchases
		WHERE id = ?`

	queryListUserPurchases = `
		SELECT id, user_id, fiat_amount, crypto_amount, exchange_rate, fee_amount,
		       status, receipt_ref, rejection_reason, chain_tx_hash, confirmed_at,
		       created_at, updated_at
		FROM purchases
		WHERE user_id = ?
		ORDER BY created_at DESC`

	queryListUnconfirmedTransfers = `
		SELECT id, user_id, fiat_amount, crypto_amount, exchange_rate, fee_amount,
		       status, receipt_ref, rejection_reason, chain_tx_hash, confirmed_at,
		       created_at, updated_at
		FROM purchases
		WHERE chain_tx_hash != '' AND confirmed_at IS NULL AND status = 'completed'
		ORDER BY created_at`

	querySetPurchaseReceipt = `
		UPDATE purchases
		SET receipt_ref = ?, status = 'paymentUploaded', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('pending', 'awaitingPayment', 'paymentUploaded')`

	queryMarkPurchaseVerified = `
		UPDATE purchases
		SET status = 'verified', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'paymentUploaded'`

	queryClaimPurchaseTransfer = `
		UPDATE purchases
		SET status = 'transferring', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'verified'`

	queryReleasePurchaseTransfer = `
		UPDATE purchases
		SET status = 'verified', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'transferring'`

	queryCompletePurchase = `
		UPDATE purchases
		SET status = 'completed', chain_tx_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('paymentUploaded', 'verified', 'transferring')`

	queryRejectPurchase = `
		UPDATE purchases
		SET status = 'rejected', rejection_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('pending', 'awaitingPayment', 'paymentUploaded')`

	queryMarkTransferConfirmed = `
		UPDATE purchases
		SET confirmed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'completed' AND confirmed_at IS NULL`

	queryMarkTransferFailed = `
		UPDATE purchases
		SET status = 'failed', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'completed'`
)
