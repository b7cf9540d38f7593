package psbtbuilder

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// FundedTransaction is the wallet's answer to a funding request: an unsigned
// transaction plus the previous outputs backing its inputs. It may be only a
// fragment. When insufficient inputs are allowed, the wallet contributes
// what it can and the shortfall is expected to be covered by the other
// participants' fragments at combine time.
type FundedTransaction struct {
	Tx *wire.MsgTx

	// PrevOutputs maps each input's outpoint to the output it spends.
	PrevOutputs map[wire.OutPoint]*wire.TxOut

	// ChangeIndex is the index of the wallet's change output in Tx.TxOut,
	// or -1 when no change was added.
	ChangeIndex int
}

// InputValue sums the value of the previous outputs spent by the funded
// transaction's inputs.
func (f *FundedTransaction) InputValue() int64 {
	var total int64
	for _, in := range f.Tx.TxIn {
		if prev, ok := f.PrevOutputs[in.PreviousOutPoint]; ok {
			total += prev.Value
		}
	}
	return total
}

// FundingWallet is the external wallet collaborator. The builder never
// touches keys or UTXO sets directly; it only asks the wallet to fund a
// shared output list and turns the result into a PSBT.
type FundingWallet interface {
	// ChainParams identifies the wallet's network.
	ChainParams() *chaincfg.Params

	// Fund selects inputs covering outputs at feeRate (sat/vB). The
	// long-term rate feeds the wallet's change/waste heuristics. When
	// allowInsufficientInputs is set, a partially funded transaction is
	// returned instead of an error when the wallet cannot cover the full
	// amount. A wallet with zero spendable funds returns
	// coordsession.ErrInsufficientFunds.
	Fund(ctx context.Context, outputs []*wire.TxOut, feeRate,
		longTermFeeRate float64, allowInsufficientInputs bool) (*FundedTransaction, error)

	// FundWithInputs funds the outputs from an explicit input set instead
	// of performing coin selection.
	FundWithInputs(ctx context.Context, inputs []wire.OutPoint,
		outputs []*wire.TxOut, feeRate float64,
		allowInsufficientInputs bool) (*FundedTransaction, error)

	// OwnsOutpoint reports whether the wallet controls the given UTXO.
	OwnsOutpoint(op wire.OutPoint) bool
}
