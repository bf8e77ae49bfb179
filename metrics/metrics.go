// Package metrics consolidates the per-crate Prometheus metrics the
// original Rust services each kept in their own metrics.rs into one
// registry, grouped the same way: one struct of counters/gauges per
// component (§7 "a small set of metrics").
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "withdrawal_finalizer"

// Metrics is the full registry; components are given the subset they
// need rather than the whole struct, the same narrow-interface shape
// used for storage.Storage and client.EthRead.
type Metrics struct {
	registry *prometheus.Registry

	Watcher       WatcherMetrics
	ChainEvents   ChainEventsMetrics
	Finalizer     FinalizerMetrics
	TxSender      TxSenderMetrics
	Meterer       MetererMetrics
	Main          MainMetrics
}

// WatcherMetrics mirrors original_source/watcher/src/metrics.rs.
type WatcherMetrics struct {
	L2LastCommittedBlock prometheus.Gauge
	L2LastVerifiedBlock  prometheus.Gauge
	L2LastExecutedBlock  prometheus.Gauge
	L2LastSeenBlock      prometheus.Gauge
}

// ChainEventsMetrics mirrors original_source/chain-events/src/metrics.rs.
type ChainEventsMetrics struct {
	WithdrawalEvents       prometheus.Counter
	NewTokenAdded          prometheus.Counter
	SuccessfulL2Reconnects prometheus.Counter
	L2ReconnectsOnError    prometheus.Counter
	QueryPagination        prometheus.Gauge
	L2LogsReceived         prometheus.Counter
	L2LogsDecoded          prometheus.Counter
	SuccessfulL1Reconnects prometheus.Counter
	L1ReconnectsOnError    prometheus.Counter
	BlockCommitEvents      prometheus.Counter
	BlockVerificationEvents prometheus.Counter
	BlockExecutionEvents   prometheus.Counter
}

// FinalizerMetrics mirrors original_source/finalizer/src/metrics.rs.
type FinalizerMetrics struct {
	HighestFinalizedBatchNumber prometheus.Gauge
	FailedToFinalizeLowGas      prometheus.Counter
	PredictedToFailWithdrawals  prometheus.Counter
	FailedToFetchWithdrawalParams prometheus.Counter
}

// TxSenderMetrics mirrors original_source/tx-sender/src/metrics.rs.
type TxSenderMetrics struct {
	TimedOutTransactions prometheus.Counter
}

// MetererMetrics mirrors original_source/withdrawals-meterer/src/metrics.rs;
// the two metering components (requested vs. finalized volumes) are
// distinguished by a label rather than Rust's enum-keyed Family, since
// Prometheus labels are the idiomatic Go equivalent.
type MetererMetrics struct {
	TokenDecimalsStored *prometheus.GaugeVec
	Withdrawals         *prometheus.GaugeVec
}

const (
	MeteringComponentRequested = "requested_withdrawals"
	MeteringComponentFinalized = "finalized_withdrawals"
)

// MainMetrics mirrors original_source/bin/withdrawal-finalizer/src/metrics.rs.
type MainMetrics struct {
	WatcherL1ChannelCapacity prometheus.Gauge
	WatcherL2ChannelCapacity prometheus.Gauge
}

// New builds and registers every metric against a fresh registry; api.New
// exposes it read-only at /metrics (§1).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Watcher: WatcherMetrics{
			L2LastCommittedBlock: gauge(reg, "watcher", "l2_last_committed_block", "Block number of last seen block commit event."),
			L2LastVerifiedBlock:  gauge(reg, "watcher", "l2_last_verified_block", "Block number of last seen block verify event."),
			L2LastExecutedBlock:  gauge(reg, "watcher", "l2_last_executed_block", "Block number of last seen block execute event."),
			L2LastSeenBlock:      gauge(reg, "watcher", "l2_last_seen_block", "Last seen L2 block number."),
		},
		ChainEvents: ChainEventsMetrics{
			WithdrawalEvents:        counter(reg, "chain_events", "withdrawal_events", "Number of withdrawal events seen."),
			NewTokenAdded:           counter(reg, "chain_events", "new_token_added", "Number of new tokens added."),
			SuccessfulL2Reconnects:  counter(reg, "chain_events", "successful_l2_reconnects", "Successful reconnect attempts to L2 RPC."),
			L2ReconnectsOnError:     counter(reg, "chain_events", "l2_reconnects_on_error", "Reconnects on error to L2 RPC."),
			QueryPagination:         gauge(reg, "chain_events", "query_pagination", "Current pagination window querying events on L2."),
			L2LogsReceived:          counter(reg, "chain_events", "l2_logs_received", "Number of L2 logs received."),
			L2LogsDecoded:           counter(reg, "chain_events", "l2_logs_decoded", "Number of L2 logs successfully decoded."),
			SuccessfulL1Reconnects:  counter(reg, "chain_events", "successful_l1_reconnects", "Number of successful websocket reconnects to L1."),
			L1ReconnectsOnError:     counter(reg, "chain_events", "l1_reconnects_on_error", "Number of reconnect errors on L1 WS."),
			BlockCommitEvents:       counter(reg, "chain_events", "block_commit_events", "Number of received block commit events."),
			BlockVerificationEvents: counter(reg, "chain_events", "block_verification_events", "Number of received block verification events."),
			BlockExecutionEvents:    counter(reg, "chain_events", "block_execution_events", "Number of received block execution events."),
		},
		Finalizer: FinalizerMetrics{
			HighestFinalizedBatchNumber:  gauge(reg, "finalizer", "highest_finalized_batch_number", "Highest finalized batch number."),
			FailedToFinalizeLowGas:       counter(reg, "finalizer", "failed_to_finalize_low_gas", "Number of withdrawals failed to finalize because of insufficient funds."),
			PredictedToFailWithdrawals:   counter(reg, "finalizer", "predicted_to_fail_withdrawals", "Number of withdrawals predicted to fail by the smart contract."),
			FailedToFetchWithdrawalParams: counter(reg, "finalizer", "failed_to_fetch_withdrawal_params", "Number of withdrawals failed to fetch withdrawal params for."),
		},
		TxSender: TxSenderMetrics{
			TimedOutTransactions: counter(reg, "txsender", "timedout_transactions", "Timed out transactions count."),
		},
		Meterer: MetererMetrics{
			TokenDecimalsStored: gaugeVec(reg, "withdrawals_meterer", "token_decimals_stored", "Token decimals stored in each metering component.", "component"),
			Withdrawals:         gaugeVec(reg, "withdrawals_meterer", "withdrawals", "Volumes of withdrawals.", "component", "token"),
		},
		Main: MainMetrics{
			WatcherL1ChannelCapacity: gauge(reg, "withdrawal_finalizer", "watcher_l1_channel_capacity", "Capacity of the channel sending L1 events."),
			WatcherL2ChannelCapacity: gauge(reg, "withdrawal_finalizer", "watcher_l2_channel_capacity", "Capacity of the channel sending L2 events."),
		},
	}
	return m
}

// Registry exposes the underlying registry for api.New's promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func gauge(reg *prometheus.Registry, subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

func counter(reg *prometheus.Registry, subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func gaugeVec(reg *prometheus.Registry, subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	reg.MustRegister(v)
	return v
}
