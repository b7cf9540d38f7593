// Package psbtbuilder turns a finalized coordination session into this
// participant's own partial transaction. Each participant independently funds
// the same output set from their own UTXOs, so the resulting PSBT is one
// fragment to be combined with the other participants' fragments later.
package psbtbuilder

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/vctt94/coord-bisonrelay/coordsession"
)

// p2wpkhWitnessWeight is the worst-case witness weight for spending a
// P2WPKH input (signature + compressed pubkey), used when estimating the
// virtual size of a not-yet-signed transaction.
const p2wpkhWitnessWeight = 109

// FundingEstimate is a dry-run preview of this participant's fragment.
type FundingEstimate struct {
	// VirtualSize is the estimated vsize of the fragment in vbytes.
	VirtualSize int64

	// EstimatedFee is ceil(feeRate * VirtualSize).
	EstimatedFee btcutil.Amount

	// InputValue is the value this participant's wallet contributes.
	InputValue btcutil.Amount

	// OutputValue is the session's total requested output value.
	OutputValue btcutil.Amount

	// ChangeValue is the value returning to this participant's wallet,
	// zero when the wallet added no change output.
	ChangeValue btcutil.Amount
}

// checkSession validates the finalize->build preconditions shared by all
// entry points.
func checkSession(sess *coordsession.CoordinationSession, w FundingWallet) error {
	if state := sess.State(); state != coordsession.StateFinalized {
		return wrapErr(coordsession.ErrInvalidState,
			"cannot build PSBT for session in state "+state.String())
	}
	if _, ok := sess.AgreedFeeRate(); !ok {
		return wrapErr(coordsession.ErrInvalidState, "no agreed fee rate")
	}
	if len(sess.Outputs()) == 0 {
		return wrapErr(coordsession.ErrInvalidState, "session has no outputs")
	}
	if w.ChainParams().Net != sess.ChainParams().Net {
		return wrapErr(coordsession.ErrNetworkMismatch,
			"wallet is on "+w.ChainParams().Name+", session is on "+
				sess.ChainParams().Name)
	}
	return nil
}

func wrapErr(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// sessionTxOuts maps the session's outputs to generic payment instructions.
func sessionTxOuts(sess *coordsession.CoordinationSession) ([]*wire.TxOut, error) {
	outputs := sess.Outputs()
	txOuts := make([]*wire.TxOut, 0, len(outputs))
	for _, o := range outputs {
		addr, err := btcutil.DecodeAddress(o.Address, sess.ChainParams())
		if err != nil {
			return nil, wrapErr(coordsession.ErrNetworkMismatch,
				"output address "+o.Address+" does not decode for "+
					sess.Network())
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		txOuts = append(txOuts, &wire.TxOut{
			Value:    o.Amount,
			PkScript: pkScript,
		})
	}
	return txOuts, nil
}

// toPacket converts a funded transaction into a PSBT with witness UTXO
// metadata attached per input, ready for the signing round.
func toPacket(f *FundedTransaction) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(f.Tx)
	if err != nil {
		return nil, err
	}
	for i, in := range packet.UnsignedTx.TxIn {
		if prev, ok := f.PrevOutputs[in.PreviousOutPoint]; ok {
			packet.Inputs[i].WitnessUtxo = prev
		}
	}
	return packet, nil
}

// setAntiFeeSnipingLockTime sets the locktime to the current height so the
// final transaction cannot be mined into a reorged-out earlier block.
func setAntiFeeSnipingLockTime(tx *wire.MsgTx, chainHeight int32) {
	if tx.LockTime == 0 && chainHeight > 0 {
		tx.LockTime = uint32(chainHeight)
	}
}

// BuildPSBT funds the full session output set from the local wallet with
// insufficient inputs allowed, and serializes the result as this
// participant's PSBT fragment. A wallet that contributes zero inputs is an
// error here; use EstimateFunding for a non-throwing preview.
func BuildPSBT(ctx context.Context, sess *coordsession.CoordinationSession,
	w FundingWallet, chainHeight int32) (*psbt.Packet, error) {

	if err := checkSession(sess, w); err != nil {
		return nil, err
	}
	txOuts, err := sessionTxOuts(sess)
	if err != nil {
		return nil, err
	}

	feeRate, _ := sess.AgreedFeeRate()
	funded, err := w.Fund(ctx, txOuts, feeRate, feeRate, true)
	if err != nil {
		return nil, err
	}
	if len(funded.Tx.TxIn) == 0 {
		return nil, wrapErr(coordsession.ErrInsufficientFunds,
			"wallet contributed no inputs")
	}

	setAntiFeeSnipingLockTime(funded.Tx, chainHeight)
	return toPacket(funded)
}

// BuildPSBTWithInputs builds the fragment from a caller-selected UTXO
// subset, for participants wanting manual input control. The selection is
// first filtered down to outpoints the wallet actually owns.
func BuildPSBTWithInputs(ctx context.Context, sess *coordsession.CoordinationSession,
	w FundingWallet, utxos []wire.OutPoint, chainHeight int32) (*psbt.Packet, error) {

	if err := checkSession(sess, w); err != nil {
		return nil, err
	}

	owned := make([]wire.OutPoint, 0, len(utxos))
	for _, op := range utxos {
		if w.OwnsOutpoint(op) {
			owned = append(owned, op)
		}
	}
	if len(owned) == 0 {
		return nil, wrapErr(coordsession.ErrInsufficientFunds,
			"none of the selected utxos belong to the wallet")
	}

	txOuts, err := sessionTxOuts(sess)
	if err != nil {
		return nil, err
	}

	feeRate, _ := sess.AgreedFeeRate()
	funded, err := w.FundWithInputs(ctx, owned, txOuts, feeRate, true)
	if err != nil {
		return nil, err
	}
	if len(funded.Tx.TxIn) == 0 {
		return nil, wrapErr(coordsession.ErrInsufficientFunds,
			"wallet contributed no inputs")
	}

	setAntiFeeSnipingLockTime(funded.Tx, chainHeight)
	return toPacket(funded)
}

// estimateVirtualSize computes the expected vsize of the funded transaction
// once its inputs carry witnesses, assuming P2WPKH-class spends.
func estimateVirtualSize(tx *wire.MsgTx) int64 {
	weight := int64(tx.SerializeSizeStripped()) * 4
	if n := len(tx.TxIn); n > 0 {
		// Segwit marker and flag plus worst-case witness per input.
		weight += 2 + int64(n)*p2wpkhWitnessWeight
	}
	return (weight + 3) / 4
}

// EstimateFunding computes a preview of this participant's fragment without
// persisting anything. A wallet with no usable funds yields a zero-valued
// estimate instead of an error, so the preview can always render.
func EstimateFunding(ctx context.Context, sess *coordsession.CoordinationSession,
	w FundingWallet, chainHeight int32) (*FundingEstimate, error) {

	if err := checkSession(sess, w); err != nil {
		return nil, err
	}

	est := &FundingEstimate{
		OutputValue: btcutil.Amount(sess.TotalOutputAmount()),
	}

	txOuts, err := sessionTxOuts(sess)
	if err != nil {
		return nil, err
	}

	feeRate, _ := sess.AgreedFeeRate()
	funded, err := w.Fund(ctx, txOuts, feeRate, feeRate, true)
	if errors.Is(err, coordsession.ErrInsufficientFunds) {
		return est, nil
	}
	if err != nil {
		return nil, err
	}

	setAntiFeeSnipingLockTime(funded.Tx, chainHeight)
	est.VirtualSize = estimateVirtualSize(funded.Tx)
	est.EstimatedFee = btcutil.Amount(int64(math.Ceil(
		feeRate * float64(est.VirtualSize))))
	est.InputValue = btcutil.Amount(funded.InputValue())
	if i := funded.ChangeIndex; i >= 0 && i < len(funded.Tx.TxOut) {
		est.ChangeValue = btcutil.Amount(funded.Tx.TxOut[i].Value)
	}
	return est, nil
}
