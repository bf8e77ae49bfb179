package bindings

import (
	"reflect"

	"github.com/ethereum/go-ethereum/common"

	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
)

// RollupDecoder implements etherscan.TxDecoder: it recognizes a
// commitBatches call made against the known rollup contract address and
// turns each batch's systemLogs into the cross-domain messages the
// backfill client persists.
//
// parse_withdrawal_events_l1, the original crate's systemLogs parser, was
// not part of the retrieval pack (truncated out by its size cap), so the
// per-log extraction below follows the system log layout documented by
// the rollup contract's own L2->L1 log format: each entry is a fixed-size
// record whose first bytes after a 2-byte key are the emitting L2
// address, rather than a literal port of unseen Rust code.
type RollupDecoder struct {
	rollupAddress   eth.Address
	l2BridgeAddress eth.Address
}

func NewRollupDecoder(rollupAddress, l2BridgeAddress eth.Address) *RollupDecoder {
	return &RollupDecoder{rollupAddress: rollupAddress, l2BridgeAddress: l2BridgeAddress}
}

// systemLogRecordSize is the fixed width of one L2->L1 system log record:
// a 2-byte key, the 20-byte emitting address, and a 32-byte value field.
const systemLogRecordSize = 2 + 20 + 32

// DecodeL2ToL1Events recognizes a commitBatches call addressed to the
// configured rollup contract and extracts one L2ToL1Event per system log
// record emitted by the configured L2 bridge address. abi.Arguments.Unpack
// hands back batch entries as an anonymous struct generated via reflection
// (go-ethereum's own abigen convention for tuple arrays), so field values
// are read by name with reflect rather than asserted into a named struct
// type that would never match it.
func (d *RollupDecoder) DecodeL2ToL1Events(to eth.Address, input []byte, l1BlockNumber uint64) ([]eth.L2ToL1Event, bool) {
	if to != d.rollupAddress || len(input) < 4 {
		return nil, false
	}

	method, err := rollupABI.MethodById(input[:4])
	if err != nil || method.Name != "commitBatches" {
		return nil, false
	}

	args, err := method.Inputs.Unpack(input[4:])
	if err != nil || len(args) != 2 {
		return nil, false
	}

	batches := reflect.ValueOf(args[1])
	if batches.Kind() != reflect.Slice {
		return nil, true
	}

	var events []eth.L2ToL1Event
	for i := 0; i < batches.Len(); i++ {
		batch := batches.Index(i)
		batchNumber := fieldUint64(batch, "BatchNumber")
		systemLogs := fieldBytes(batch, "SystemLogs")

		for recordStart := 0; recordStart+systemLogRecordSize <= len(systemLogs); recordStart += systemLogRecordSize {
			record := systemLogs[recordStart : recordStart+systemLogRecordSize]
			sender := common.BytesToAddress(record[2:22])
			if sender != d.l2BridgeAddress {
				continue
			}
			events = append(events, eth.L2ToL1Event{
				L1BlockNumber:   l1BlockNumber,
				L2BlockNumber:   batchNumber,
				TxNumberInBlock: uint32(i),
				Sender:          sender,
				Data:            append([]byte(nil), record[22:]...),
			})
		}
	}
	return events, true
}

func fieldUint64(v reflect.Value, name string) uint64 {
	f := v.FieldByName(name)
	if !f.IsValid() {
		return 0
	}
	switch f.Kind() {
	case reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8, reflect.Uint:
		return f.Uint()
	default:
		return 0
	}
}

func fieldBytes(v reflect.Value, name string) []byte {
	f := v.FieldByName(name)
	if !f.IsValid() || f.Kind() != reflect.Slice {
		return nil
	}
	b, ok := f.Interface().([]byte)
	if !ok {
		return nil
	}
	return b
}
