package storage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// parseDecimalToUint256 reconstructs a withdrawal amount from the NUMERIC
// column's text form. Postgres NUMERIC has no overflow ceiling, but
// withdrawal amounts are bounded by the token's on-chain supply, which
// always fits in uint256 (§3).
func parseDecimalToUint256(s string) (*uint256.Int, error) {
	v := new(uint256.Int)
	if err := v.SetFromDecimal(s); err != nil {
		return nil, err
	}
	return v, nil
}

// Postgres is the concrete Storage (§4.A) grounded on the UNNEST-based bulk
// SQL of the original Rust storage crate. Hot, wide bulk writes
// (withdrawals, l2_blocks, finalization_data) go through the pooled pgx
// driver directly; the low-volume registries (tokens, l2_to_l1_events) go
// through GORM, matching the split explained in SPEC_FULL §2.2.
type Postgres struct {
	pool *pgxpool.Pool
	gorm *gorm.DB
	log  log.Logger
}

var _ Storage = (*Postgres)(nil)

// Open connects both halves of the store against the same dsn and runs
// migrations idempotently: migrationSQL for the pgx-owned tables,
// AutoMigrate for the GORM-owned ones.
func Open(ctx context.Context, dsn string, l log.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "storage: connect pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage: ping pgx pool")
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage: open gorm")
	}

	if _, err := pool.Exec(ctx, migrationSQL); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage: run migrationSQL")
	}
	if err := autoMigrate(gdb); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage: gorm automigrate")
	}

	return &Postgres{pool: pool, gorm: gdb, log: l}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// AddWithdrawals mirrors add_withdrawals: a single UNNEST-driven INSERT per
// chunk, conflicting silently on the (tx_hash, event_index_in_tx) key.
func (p *Postgres) AddWithdrawals(ctx context.Context, withdrawals []eth.Withdrawal) error {
	for _, batch := range chunk(withdrawals, defaultChunkSize) {
		txHashes := make([][]byte, len(batch))
		eventIdx := make([]int32, len(batch))
		l2Blocks := make([]int64, len(batch))
		tokens := make([][]byte, len(batch))
		amounts := make([]string, len(batch))
		recipients := make([][]byte, len(batch))
		for i, w := range batch {
			txHashes[i] = w.TxHash.Bytes()
			eventIdx[i] = int32(w.EventIndex)
			l2Blocks[i] = int64(w.L2BlockNumber)
			tokens[i] = w.TokenAddress.Bytes()
			amounts[i] = w.Amount.Dec()
			recipients[i] = w.L1Recipient.Bytes()
		}

		const q = `
INSERT INTO withdrawals (tx_hash, event_index_in_tx, l2_block_number, token_address, amount, l1_recipient)
SELECT * FROM UNNEST($1::bytea[], $2::int[], $3::bigint[], $4::bytea[], $5::text[]::numeric[], $6::bytea[])
ON CONFLICT (tx_hash, event_index_in_tx) DO NOTHING`

		if _, err := p.pool.Exec(ctx, q, txHashes, eventIdx, l2Blocks, tokens, amounts, recipients); err != nil {
			return fmt.Errorf("storage: add withdrawals: %w", err)
		}
	}
	return nil
}

// newBatch is shared by CommittedNewBatch/VerifiedNewBatch/ExecutedNewBatch:
// each upserts one of the three nullable L1 block columns of l2_blocks for
// every l2_block_number in [begin, end], in one statement, in a transaction
// (mirroring the three near-identical functions in the original crate).
func (p *Postgres) newBatch(ctx context.Context, column string, begin, end, l1Block uint64) error {
	q := fmt.Sprintf(`
INSERT INTO l2_blocks (l2_block_number, %s)
SELECT n, $3 FROM generate_series($1::bigint, $2::bigint) AS n
ON CONFLICT (l2_block_number) DO UPDATE SET %s = EXCLUDED.%s`, column, column, column)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: %s: begin tx: %w", column, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, q, int64(begin), int64(end), int64(l1Block)); err != nil {
		return fmt.Errorf("storage: %s: %w", column, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: %s: commit: %w", column, err)
	}
	return nil
}

func (p *Postgres) CommittedNewBatch(ctx context.Context, begin, end, l1Block uint64) error {
	return p.newBatch(ctx, "commit_l1_block", begin, end, l1Block)
}

func (p *Postgres) VerifiedNewBatch(ctx context.Context, begin, end, l1Block uint64) error {
	return p.newBatch(ctx, "verify_l1_block", begin, end, l1Block)
}

func (p *Postgres) ExecutedNewBatch(ctx context.Context, begin, end, l1Block uint64) error {
	return p.newBatch(ctx, "execute_l1_block", begin, end, l1Block)
}

func (p *Postgres) LastL2BlockSeen(ctx context.Context) (uint64, bool, error) {
	var n *int64
	row := p.pool.QueryRow(ctx, `SELECT max(l2_block_number) FROM withdrawals`)
	if err := row.Scan(&n); err != nil {
		return 0, false, fmt.Errorf("storage: last l2 block seen: %w", err)
	}
	if n == nil {
		return 0, false, nil
	}
	return uint64(*n), true, nil
}

func (p *Postgres) LastL1BlockSeen(ctx context.Context) (uint64, bool, error) {
	var n *int64
	row := p.pool.QueryRow(ctx, `
SELECT max(v) FROM (
	SELECT max(commit_l1_block) AS v FROM l2_blocks
	UNION ALL
	SELECT max(verify_l1_block) FROM l2_blocks
	UNION ALL
	SELECT max(execute_l1_block) FROM l2_blocks
) AS last_seen`)
	if err := row.Scan(&n); err != nil {
		return 0, false, fmt.Errorf("storage: last l1 block seen: %w", err)
	}
	if n == nil {
		return 0, false, nil
	}
	return uint64(*n), true, nil
}

func (p *Postgres) LastL2ToL1EventsBlockSeen(ctx context.Context) (uint64, bool, error) {
	var n *int64
	r := p.pool.QueryRow(ctx, `SELECT max(l2_block_number) FROM l2_to_l1_events`)
	if err := r.Scan(&n); err != nil {
		return 0, false, fmt.Errorf("storage: last l2-to-l1 events block seen: %w", err)
	}
	if n == nil {
		return 0, false, nil
	}
	return uint64(*n), true, nil
}

// GetWithdrawalsWithNoData mirrors get_withdrawals_with_no_data: withdrawals
// whose L2 block has a non-null commit_l1_block but no finalization_data row
// yet, ordered by l2_block_number, capped at limit.
func (p *Postgres) GetWithdrawalsWithNoData(ctx context.Context, limit int) ([]WithdrawalRef, error) {
	const q = `
SELECT w.id, w.tx_hash, w.event_index_in_tx, w.l2_block_number
FROM withdrawals w
JOIN l2_blocks b ON b.l2_block_number = w.l2_block_number
LEFT JOIN finalization_data fd ON fd.withdrawal_id = w.id
WHERE b.commit_l1_block IS NOT NULL AND fd.withdrawal_id IS NULL
ORDER BY w.l2_block_number ASC
LIMIT $1`

	rows, err := p.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get withdrawals with no data: %w", err)
	}
	defer rows.Close()

	var out []WithdrawalRef
	for rows.Next() {
		var (
			id         int64
			txHash     []byte
			eventIdx   int32
			l2BlockNum int64
		)
		if err := rows.Scan(&id, &txHash, &eventIdx, &l2BlockNum); err != nil {
			return nil, fmt.Errorf("storage: get withdrawals with no data: scan: %w", err)
		}
		out = append(out, WithdrawalRef{
			ID:            uint64(id),
			Key:           eth.WithdrawalKey{TxHash: common.BytesToHash(txHash), EventIndex: uint32(eventIdx)},
			L2BlockNumber: uint64(l2BlockNum),
		})
	}
	return out, rows.Err()
}

// AddWithdrawalsData mirrors add_withdrawals_data: a bulk UNNEST insert into
// finalization_data, keyed by withdrawal_id, conflicts ignored.
func (p *Postgres) AddWithdrawalsData(ctx context.Context, inserts []WithdrawalDataInsert) error {
	for _, batch := range chunk(inserts, defaultChunkSize) {
		ids := make([]int64, len(batch))
		batchNums := make([]int64, len(batch))
		msgIdx := make([]int64, len(batch))
		txNum := make([]int32, len(batch))
		messages := make([][]byte, len(batch))
		senders := make([][]byte, len(batch))
		proofs := make([][]byte, len(batch))
		for i, ins := range batch {
			ids[i] = int64(ins.WithdrawalID)
			batchNums[i] = int64(ins.Data.L1BatchNumber)
			msgIdx[i] = int64(ins.Data.L2MessageIndex)
			txNum[i] = int32(ins.Data.L2TxNumberInBlock)
			messages[i] = ins.Data.Message
			senders[i] = ins.Data.Sender.Bytes()
			proofs[i] = ins.Data.Proof
		}

		const q = `
INSERT INTO finalization_data (withdrawal_id, l1_batch_number, l2_message_index, l2_tx_number_in_block, message, sender, proof)
SELECT * FROM UNNEST($1::bigint[], $2::bigint[], $3::bigint[], $4::int[], $5::bytea[], $6::bytea[], $7::bytea[])
ON CONFLICT (withdrawal_id) DO NOTHING`

		if _, err := p.pool.Exec(ctx, q, ids, batchNums, msgIdx, txNum, messages, senders, proofs); err != nil {
			return fmt.Errorf("storage: add withdrawals data: %w", err)
		}
	}
	return nil
}

// WithdrawalsToFinalize joins withdrawals with finalization_data for the
// candidates the finalizer loop (§4.G) should consider: no submitted tx yet
// and under the attempt cap.
func (p *Postgres) WithdrawalsToFinalize(ctx context.Context, limit int) ([]client.FinalizeRequest, error) {
	const q = `
SELECT w.id, w.tx_hash, w.event_index_in_tx, w.l2_block_number, w.token_address, w.amount::text, w.l1_recipient,
       fd.l1_batch_number, fd.l2_message_index, fd.l2_tx_number_in_block, fd.message, fd.sender, fd.proof, fd.failed_finalization_attempts
FROM withdrawals w
JOIN finalization_data fd ON fd.withdrawal_id = w.id
WHERE fd.finalization_tx IS NULL AND fd.failed_finalization_attempts < $1
ORDER BY w.l2_block_number ASC
LIMIT $2`

	rows, err := p.pool.Query(ctx, q, eth.MaxFinalizationAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: withdrawals to finalize: %w", err)
	}
	defer rows.Close()

	var out []client.FinalizeRequest
	for rows.Next() {
		var (
			id, eventIdx, l2Block                                       int64
			txHash, token, amountText, l1Recipient                      []byte
			l1BatchNumber, l2MessageIndex, l2TxNumberInBlock             int64
			message, sender, proof                                      []byte
			attempts                                                    int32
		)
		if err := rows.Scan(&id, &txHash, &eventIdx, &l2Block, &token, &amountText, &l1Recipient,
			&l1BatchNumber, &l2MessageIndex, &l2TxNumberInBlock, &message, &sender, &proof, &attempts); err != nil {
			return nil, fmt.Errorf("storage: withdrawals to finalize: scan: %w", err)
		}

		amount, err := parseDecimalToUint256(string(amountText))
		if err != nil {
			return nil, fmt.Errorf("storage: withdrawals to finalize: amount: %w", err)
		}

		out = append(out, client.FinalizeRequest{
			Withdrawal: eth.Withdrawal{
				ID:            uint64(id),
				TxHash:        common.BytesToHash(txHash),
				EventIndex:    uint32(eventIdx),
				L2BlockNumber: uint64(l2Block),
				TokenAddress:  common.BytesToAddress(token),
				Amount:        amount,
				L1Recipient:   common.BytesToAddress(l1Recipient),
			},
			Data: eth.FinalizationData{
				WithdrawalID:               uint64(id),
				L1BatchNumber:              uint64(l1BatchNumber),
				L2MessageIndex:             uint64(l2MessageIndex),
				L2TxNumberInBlock:          uint32(l2TxNumberInBlock),
				Message:                    message,
				Sender:                     common.BytesToAddress(sender),
				Proof:                      proof,
				FailedFinalizationAttempts: uint8(attempts),
			},
		})
	}
	return out, rows.Err()
}

func (p *Postgres) FinalizationDataSetFinalizedInTx(ctx context.Context, keys []eth.WithdrawalKey, txHash eth.Hash) error {
	for _, batch := range chunk(keys, defaultChunkSize) {
		txHashes := make([][]byte, len(batch))
		eventIdx := make([]int32, len(batch))
		for i, k := range batch {
			txHashes[i] = k.TxHash.Bytes()
			eventIdx[i] = int32(k.EventIndex)
		}

		const q = `
UPDATE finalization_data fd
SET finalization_tx = $3
FROM withdrawals w, UNNEST($1::bytea[], $2::int[]) AS keys(tx_hash, event_index_in_tx)
WHERE fd.withdrawal_id = w.id AND w.tx_hash = keys.tx_hash AND w.event_index_in_tx = keys.event_index_in_tx`

		if _, err := p.pool.Exec(ctx, q, txHashes, eventIdx, txHash.Bytes()); err != nil {
			return fmt.Errorf("storage: finalization data set finalized in tx: %w", err)
		}
	}
	return nil
}

func (p *Postgres) IncUnsuccessfulFinalizationAttempts(ctx context.Context, keys []eth.WithdrawalKey) error {
	for _, batch := range chunk(keys, defaultChunkSize) {
		txHashes := make([][]byte, len(batch))
		eventIdx := make([]int32, len(batch))
		for i, k := range batch {
			txHashes[i] = k.TxHash.Bytes()
			eventIdx[i] = int32(k.EventIndex)
		}

		const q = `
UPDATE finalization_data fd
SET failed_finalization_attempts = fd.failed_finalization_attempts + 1
FROM withdrawals w, UNNEST($1::bytea[], $2::int[]) AS keys(tx_hash, event_index_in_tx)
WHERE fd.withdrawal_id = w.id AND w.tx_hash = keys.tx_hash AND w.event_index_in_tx = keys.event_index_in_tx`

		if _, err := p.pool.Exec(ctx, q, txHashes, eventIdx); err != nil {
			return fmt.Errorf("storage: inc unsuccessful finalization attempts: %w", err)
		}
	}
	return nil
}

func (p *Postgres) AddToken(ctx context.Context, token eth.Token) error {
	row := tokenRow{
		L1Address:     token.L1Address.Bytes(),
		L2Address:     token.L2Address.Bytes(),
		Name:          token.Name,
		Symbol:        token.Symbol,
		Decimals:      token.Decimals,
		L2BlockNumber: token.L2BlockNumber,
		InitTxHash:    token.InitTxHash.Bytes(),
		IsNative:      token.IsNative,
	}
	err := p.gorm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("storage: add token: %w", err)
	}
	return nil
}

func (p *Postgres) GetTokens(ctx context.Context) ([]eth.Token, uint64, error) {
	var rows []tokenRow
	if err := p.gorm.WithContext(ctx).Order("l2_block_number ASC").Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("storage: get tokens: %w", err)
	}

	tokens := make([]eth.Token, len(rows))
	lastSeen := uint64(1)
	for i, r := range rows {
		tokens[i] = eth.Token{
			L1Address:     common.BytesToAddress(r.L1Address),
			L2Address:     common.BytesToAddress(r.L2Address),
			Name:          r.Name,
			Symbol:        r.Symbol,
			Decimals:      r.Decimals,
			L2BlockNumber: r.L2BlockNumber,
			InitTxHash:    common.BytesToHash(r.InitTxHash),
			IsNative:      r.IsNative,
		}
		if r.L2BlockNumber > lastSeen {
			lastSeen = r.L2BlockNumber
		}
	}
	return tokens, lastSeen, nil
}

func (p *Postgres) TokenDecimalsAndL1Address(ctx context.Context, l2Address eth.Address) (uint8, eth.Address, bool, error) {
	var row tokenRow
	err := p.gorm.WithContext(ctx).Where("l2_token_address = ?", l2Address.Bytes()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, eth.Address{}, false, nil
	}
	if err != nil {
		return 0, eth.Address{}, false, fmt.Errorf("storage: token decimals and l1 address: %w", err)
	}
	return row.Decimals, common.BytesToAddress(row.L1Address), true, nil
}

// Status gathers the three resumption cursors plus a pending/finalized
// count straight from finalization_data, for the read-only /status
// endpoint (§6); it holds no business logic of its own.
func (p *Postgres) Status(ctx context.Context) (StatusSnapshot, error) {
	var s StatusSnapshot

	l2Seen, ok, err := p.LastL2BlockSeen(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	if ok {
		s.LastL2BlockSeen = l2Seen
	}

	l1Seen, ok, err := p.LastL1BlockSeen(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	if ok {
		s.LastL1BlockSeen = l1Seen
	}

	l2ToL1Seen, ok, err := p.LastL2ToL1EventsBlockSeen(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	if ok {
		s.LastL2ToL1EventsBlockSeen = l2ToL1Seen
	}

	row := p.pool.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE finalization_tx IS NULL),
	count(*) FILTER (WHERE finalization_tx IS NOT NULL)
FROM finalization_data`)
	var pending, finalized int64
	if err := row.Scan(&pending, &finalized); err != nil {
		return StatusSnapshot{}, fmt.Errorf("storage: status: %w", err)
	}
	s.PendingFinalizations = uint64(pending)
	s.FinalizedCount = uint64(finalized)

	return s, nil
}

// DeleteFinalizationDataContent removes already-finalized rows from
// finalization_data in batches of batchSize, repeating until none are left.
// It is not part of the Storage interface: nothing in the daemon's own
// runtime needs to reclaim this space, only the standalone maintenance
// utility that runs against a live database out-of-band from the daemon.
func (p *Postgres) DeleteFinalizationDataContent(ctx context.Context, batchSize int) (int64, error) {
	const q = `
DELETE FROM finalization_data
WHERE withdrawal_id IN (
	SELECT withdrawal_id FROM finalization_data
	WHERE finalization_tx IS NOT NULL
	LIMIT $1
)`

	var total int64
	for {
		tag, err := p.pool.Exec(ctx, q, batchSize)
		if err != nil {
			return total, fmt.Errorf("storage: delete finalization data content: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

func (p *Postgres) AddL2ToL1Events(ctx context.Context, events []eth.L2ToL1Event) error {
	for _, batch := range chunk(events, defaultChunkSize) {
		rows := make([]l2ToL1EventRow, len(batch))
		for i, e := range batch {
			rows[i] = l2ToL1EventRow{
				L1BlockNumber:   e.L1BlockNumber,
				L2BlockNumber:   e.L2BlockNumber,
				TxNumberInBlock: e.TxNumberInBlock,
				Sender:          e.Sender.Bytes(),
				Data:            e.Data,
			}
		}
		err := p.gorm.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rows).Error
		if err != nil {
			return fmt.Errorf("storage: add l2-to-l1 events: %w", err)
		}
	}
	return nil
}
