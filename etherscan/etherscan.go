// Package etherscan implements the L2->L1 historical backfill client
// named in SPEC_FULL §4.C: unlike the websocket-subscribed live sources,
// cross-domain messages already committed before this process started
// are recovered by scanning the operator account's past transactions
// through an Etherscan-compatible "list transactions by address" API and
// decoding the ones that committed an L2 batch.
package etherscan

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

const (
	// historyStep is how far a single outer-loop iteration advances the
	// cursor; Etherscan caps any one query's result set at 10,000 rows, so
	// the range is kept narrow enough that a high-traffic account's
	// history still fits (§4.C).
	historyStep = 1024 * 4

	// offsetSize paginates each block-range query.
	offsetSize = 1024

	// queryBackoff is how long Run waits once the cursor has caught up
	// with the chain head before asking again (§4.C).
	queryBackoff = 15 * time.Second
)

// BlockNumberer is the one L1 capability this client needs beyond HTTP:
// the current chain head, to know how far it is allowed to advance.
type BlockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// TxDecoder recognizes and decodes a commit-blocks transaction into the
// cross-domain messages it carried. Concrete decoding against the rollup
// contract's ABI lives in the bindings package; this client only drives
// the HTTP pagination and the storage write.
type TxDecoder interface {
	DecodeL2ToL1Events(to eth.Address, input []byte, l1BlockNumber uint64) (events []eth.L2ToL1Event, ok bool)
}

// Client queries an Etherscan-compatible explorer API for transactions
// sent from a known operator account, decodes any that committed L2
// batches, and persists the cross-domain messages they carried.
type Client struct {
	http            *http.Client
	baseURL         string
	apiKey          string
	operatorAddress eth.Address
	decoder         TxDecoder
	storage         storage.Storage
	log             log.Logger

	caughtUpLimiter *rate.Limiter
}

func New(baseURL, apiKey string, operatorAddress eth.Address, decoder TxDecoder, store storage.Storage, l log.Logger) *Client {
	return &Client{
		http:            http.DefaultClient,
		baseURL:         baseURL,
		apiKey:          apiKey,
		operatorAddress: operatorAddress,
		decoder:         decoder,
		storage:         store,
		log:             l,
		caughtUpLimiter: rate.NewLimiter(rate.Every(queryBackoff), 1),
	}
}

// Run advances from fromBlock to the chain head in historyStep-sized
// chunks, backing off queryBackoff once it catches up (§4.C).
func (c *Client) Run(ctx context.Context, l1 BlockNumberer, fromBlock uint64) error {
	for {
		latest, err := l1.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("etherscan: block number: %w", err)
		}

		if fromBlock >= latest {
			if err := c.caughtUpLimiter.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		toBlock := latest
		if fromBlock+historyStep < toBlock {
			toBlock = fromBlock + historyStep
		}

		c.log.Info("backfilling l2-to-l1 events", "from", fromBlock, "to", toBlock)
		if err := c.queryBlockRange(ctx, fromBlock, toBlock); err != nil {
			return err
		}
		fromBlock = toBlock
	}
}

// queryBlockRange pages through every transaction the operator account
// sent in [startBlock, endBlock], decoding and persisting each page's
// events as it goes rather than buffering the whole range (§4.C).
func (c *Client) queryBlockRange(ctx context.Context, startBlock, endBlock uint64) error {
	for page := 1; ; page++ {
		txs, err := c.getTransactions(ctx, startBlock, endBlock, page)
		if err != nil {
			return fmt.Errorf("etherscan: get transactions: %w", err)
		}
		if len(txs) == 0 {
			return nil
		}

		var events []eth.L2ToL1Event
		for _, tx := range txs {
			input, err := decodeHexInput(tx.Input)
			if err != nil {
				c.log.Warn("skipping transaction with unparseable input", "hash", tx.Hash, "err", err)
				continue
			}
			blockNumber, err := strconv.ParseUint(tx.BlockNumber, 10, 64)
			if err != nil {
				c.log.Warn("skipping transaction with unparseable block number", "hash", tx.Hash, "err", err)
				continue
			}
			decoded, ok := c.decoder.DecodeL2ToL1Events(common.HexToAddress(tx.To), input, blockNumber)
			if !ok {
				continue
			}
			events = append(events, decoded...)
		}

		if len(events) > 0 {
			c.log.Debug("decoded l2-to-l1 events", "count", len(events))
			if err := c.storage.AddL2ToL1Events(ctx, events); err != nil {
				return fmt.Errorf("etherscan: add l2-to-l1 events: %w", err)
			}
		}
	}
}

type etherscanTx struct {
	BlockNumber string `json:"blockNumber"`
	Hash        string `json:"hash"`
	// To is left as a plain string rather than eth.Address: Etherscan
	// reports "" (not a valid address) for contract-creation transactions,
	// which would fail common.Address's strict JSON unmarshaler.
	To    string `json:"to"`
	Input string `json:"input"`
}

type etherscanResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Result  []etherscanTx `json:"result"`
}

// getTransactions calls the "txlist" action for the operator account,
// ascending-sorted and paginated by offsetSize (§4.C).
func (c *Client) getTransactions(ctx context.Context, startBlock, endBlock uint64, page int) ([]etherscanTx, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", c.operatorAddress.Hex())
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", strconv.FormatUint(endBlock, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(offsetSize))
	q.Set("sort", "asc")
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body etherscanResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	// Etherscan reports "No transactions found" as status "0" rather than
	// an empty result list; both mean "nothing left to page through".
	if body.Status == "0" {
		return nil, nil
	}
	return body.Result, nil
}

func decodeHexInput(s string) ([]byte, error) {
	s = trimHexPrefix(s)
	return hex.DecodeString(s)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
