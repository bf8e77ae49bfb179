// Package meterer implements the optional withdrawals volume meterer
// supplemented from the original Rust withdrawals-meterer crate: it turns
// a batch of eth.Withdrawal into per-token Prometheus gauge increments,
// best-effort, never blocking the watcher's storage write on its own
// failures.
package meterer

import (
	"context"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/metrics"
	"github.com/matter-labs/zksync-withdrawal-finalizer/sources"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

type tokenInfo struct {
	decimals  uint8
	l1Address eth.Address
}

// Meterer satisfies watcher.Meterer: it implements MeterWithdrawals so it
// can be plugged into watcher.New's meterer slot directly.
type Meterer struct {
	storage   storage.Storage
	metrics   metrics.MetererMetrics
	component string
	log       log.Logger

	mu     sync.Mutex
	tokens map[eth.Address]tokenInfo
}

// New builds a Meterer that labels every metric it emits with component
// (§7 MeteringComponentRequested/MeteringComponentFinalized), the same
// distinction the original crate made by constructing one WithdrawalsMeter
// per call site rather than one shared instance.
func New(store storage.Storage, m metrics.MetererMetrics, component string, l log.Logger) *Meterer {
	tokens := map[eth.Address]tokenInfo{
		sources.L2NativeTokenContract: {decimals: 18, l1Address: sources.L2NativeTokenContract},
	}
	m.TokenDecimalsStored.WithLabelValues(component).Inc()
	return &Meterer{storage: store, metrics: m, component: component, log: l, tokens: tokens}
}

// MeterWithdrawals records each withdrawal's amount, converted to a
// decimal float by the token's known number of decimals, as an increment
// of the withdrawals gauge labeled by (component, l1_token_address).
// Formatting or lookup failures are logged and the withdrawal is skipped;
// only the caller-visible contract is "never returns an error" (§4.D).
func (m *Meterer) MeterWithdrawals(ctx context.Context, withdrawals []eth.Withdrawal) {
	for _, w := range withdrawals {
		info, err := m.tokenInfo(ctx, w.TokenAddress)
		if err != nil {
			m.log.Error("meterer: token lookup failed", "token", w.TokenAddress, "err", err)
			continue
		}
		if info == nil {
			m.log.Error("meterer: received withdrawal from unknown token", "token", w.TokenAddress)
			continue
		}

		amount, ok := formatUnits(w.Amount, info.decimals)
		if !ok {
			m.log.Error("meterer: failed to format amount", "token", w.TokenAddress, "amount", w.Amount)
			continue
		}

		m.metrics.Withdrawals.WithLabelValues(m.component, info.l1Address.Hex()).Add(amount)
	}
}

func (m *Meterer) tokenInfo(ctx context.Context, l2Address eth.Address) (*tokenInfo, error) {
	m.mu.Lock()
	if info, ok := m.tokens[l2Address]; ok {
		m.mu.Unlock()
		return &info, nil
	}
	m.mu.Unlock()

	decimals, l1Address, ok, err := m.storage.TokenDecimalsAndL1Address(ctx, l2Address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	info := tokenInfo{decimals: decimals, l1Address: l1Address}
	m.mu.Lock()
	m.tokens[l2Address] = info
	m.mu.Unlock()
	m.metrics.TokenDecimalsStored.WithLabelValues(m.component).Inc()
	return &info, nil
}

// formatUnits divides amount by 10^decimals, the same wei-to-decimal
// conversion ethers::utils::format_units performs, and parses the result
// with strconv.ParseFloat. ok is false only for a nil amount or a parse
// failure; a value beyond float64's exact integer range is rounded to the
// nearest float64, not reported.
func formatUnits(amount *uint256.Int, decimals uint8) (float64, bool) {
	if amount == nil {
		return 0, false
	}
	s := amount.Dec()
	if len(s) <= int(decimals) {
		s = pad(s, int(decimals)+1)
	}
	intPart := s[:len(s)-int(decimals)]
	fracPart := s[len(s)-int(decimals):]
	if decimals == 0 {
		fracPart = ""
	}
	full := intPart
	if fracPart != "" {
		full += "." + fracPart
	}
	f, err := strconv.ParseFloat(full, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func pad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
