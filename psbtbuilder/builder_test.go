package psbtbuilder

import (
	"context"
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/stretchr/testify/assert"
	"github.com/vctt94/coord-bisonrelay/coordsession"
)

var testParams = &chaincfg.RegressionNetParams

// fakeWallet funds transactions from a fixed UTXO set, spending everything
// it has on each request and returning any surplus as a change output.
type fakeWallet struct {
	params *chaincfg.Params
	utxos  map[wire.OutPoint]*wire.TxOut
}

func (w *fakeWallet) ChainParams() *chaincfg.Params { return w.params }

// finishFunding appends outputs and a surplus change output to tx.
func finishFunding(tx *wire.MsgTx, prev map[wire.OutPoint]*wire.TxOut,
	outputs []*wire.TxOut) *FundedTransaction {

	var inValue, outValue int64
	for _, out := range prev {
		inValue += out.Value
	}
	for _, o := range outputs {
		tx.AddTxOut(o)
		outValue += o.Value
	}
	changeIndex := -1
	if inValue > outValue {
		changeIndex = len(tx.TxOut)
		tx.AddTxOut(&wire.TxOut{Value: inValue - outValue})
	}
	return &FundedTransaction{Tx: tx, PrevOutputs: prev, ChangeIndex: changeIndex}
}

func (w *fakeWallet) Fund(_ context.Context, outputs []*wire.TxOut, _,
	_ float64, _ bool) (*FundedTransaction, error) {

	if len(w.utxos) == 0 {
		return nil, coordsession.ErrInsufficientFunds
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := make(map[wire.OutPoint]*wire.TxOut)
	for op, out := range w.utxos {
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prev[op] = out
	}
	return finishFunding(tx, prev, outputs), nil
}

func (w *fakeWallet) FundWithInputs(_ context.Context, inputs []wire.OutPoint,
	outputs []*wire.TxOut, _ float64, _ bool) (*FundedTransaction, error) {

	tx := wire.NewMsgTx(wire.TxVersion)
	prev := make(map[wire.OutPoint]*wire.TxOut)
	for _, op := range inputs {
		out, ok := w.utxos[op]
		if !ok {
			continue
		}
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prev[op] = out
	}
	return finishFunding(tx, prev, outputs), nil
}

func (w *fakeWallet) OwnsOutpoint(op wire.OutPoint) bool {
	_, ok := w.utxos[op]
	return ok
}

func testOutPoint(b byte, index uint32) wire.OutPoint {
	var h chainhash.Hash
	h[0] = b
	return wire.OutPoint{Hash: h, Index: index}
}

func fundedWallet(params *chaincfg.Params, values ...int64) *fakeWallet {
	utxos := make(map[wire.OutPoint]*wire.TxOut)
	for i, v := range values {
		utxos[testOutPoint(byte(i+1), 0)] = &wire.TxOut{Value: v}
	}
	return &fakeWallet{params: params, utxos: utxos}
}

func testID(b byte) zkidentity.ShortID {
	var id zkidentity.ShortID
	id[0] = b
	return id
}

func testAddr(t *testing.T, b byte, params *chaincfg.Params) string {
	t.Helper()
	prog := make([]byte, 20)
	for i := range prog {
		prog[i] = b
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(prog, params)
	assert.NoError(t, err)
	return addr.EncodeAddress()
}

// finalizedSession builds a 2-party session holding one 80000 sat output
// with a 12.5 sat/vB agreed rate, finalized and ready for assembly.
func finalizedSession(t *testing.T) *coordsession.CoordinationSession {
	t.Helper()
	s, err := coordsession.NewCoordinationSession("test-session",
		"wsh(multi(2,keyA,keyB))", testParams, 2)
	assert.NoError(t, err)

	for i := byte(1); i <= 2; i++ {
		err = s.AddParticipant(&coordsession.CoordinationParticipant{ID: testID(i)})
		assert.NoError(t, err)
	}
	err = s.ProposeOutput(&coordsession.CoordinationOutput{
		Address:  testAddr(t, 0x01, testParams),
		Amount:   80000,
		Proposer: testID(1),
	})
	assert.NoError(t, err)
	err = s.ProposeFee(&coordsession.CoordinationFeeProposal{
		Proposer: testID(1), FeeRate: 10,
	})
	assert.NoError(t, err)
	err = s.ProposeFee(&coordsession.CoordinationFeeProposal{
		Proposer: testID(2), FeeRate: 12.5,
	})
	assert.NoError(t, err)
	assert.NoError(t, s.AgreeFee(12.5))
	assert.NoError(t, s.Finalize())
	return s
}

func TestBuildPSBTRequiresFinalized(t *testing.T) {
	s, err := coordsession.NewCoordinationSession("test-session", "desc",
		testParams, 2)
	assert.NoError(t, err)

	_, err = BuildPSBT(context.Background(), s, fundedWallet(testParams, 100000), 0)
	assert.ErrorIs(t, err, coordsession.ErrInvalidState)
}

func TestBuildPSBTNetworkMismatch(t *testing.T) {
	s := finalizedSession(t)
	w := fundedWallet(&chaincfg.MainNetParams, 100000)

	_, err := BuildPSBT(context.Background(), s, w, 0)
	assert.ErrorIs(t, err, coordsession.ErrNetworkMismatch)
}

func TestBuildPSBTNoFunds(t *testing.T) {
	s := finalizedSession(t)
	w := fundedWallet(testParams)

	_, err := BuildPSBT(context.Background(), s, w, 0)
	assert.ErrorIs(t, err, coordsession.ErrInsufficientFunds)
}

func TestBuildPSBT(t *testing.T) {
	s := finalizedSession(t)
	w := fundedWallet(testParams, 60000, 40000)
	const chainHeight = 850000

	packet, err := BuildPSBT(context.Background(), s, w, chainHeight)
	assert.NoError(t, err)

	tx := packet.UnsignedTx
	assert.Len(t, tx.TxIn, 2)
	// Session output plus the wallet's change.
	assert.Len(t, tx.TxOut, 2)
	assert.EqualValues(t, 80000, tx.TxOut[0].Value)
	assert.EqualValues(t, chainHeight, tx.LockTime)

	// Each input carries its previous output for the signing round.
	for _, in := range packet.Inputs {
		assert.NotNil(t, in.WitnessUtxo)
	}
}

func TestBuildPSBTWithInputs(t *testing.T) {
	ctx := context.Background()
	s := finalizedSession(t)
	w := fundedWallet(testParams, 60000, 40000)

	owned := testOutPoint(1, 0)
	foreign := testOutPoint(9, 3)

	// The foreign outpoint is filtered out, not sent to the wallet.
	packet, err := BuildPSBTWithInputs(ctx, s, w,
		[]wire.OutPoint{owned, foreign}, 0)
	assert.NoError(t, err)
	assert.Len(t, packet.UnsignedTx.TxIn, 1)
	assert.Equal(t, owned, packet.UnsignedTx.TxIn[0].PreviousOutPoint)

	_, err = BuildPSBTWithInputs(ctx, s, w, []wire.OutPoint{foreign}, 0)
	assert.ErrorIs(t, err, coordsession.ErrInsufficientFunds)
}

func TestEstimateFunding(t *testing.T) {
	s := finalizedSession(t)
	w := fundedWallet(testParams, 60000, 40000)

	est, err := EstimateFunding(context.Background(), s, w, 0)
	assert.NoError(t, err)
	assert.EqualValues(t, 80000, est.OutputValue)
	assert.EqualValues(t, 100000, est.InputValue)
	assert.EqualValues(t, 20000, est.ChangeValue)
	assert.Greater(t, est.VirtualSize, int64(0))

	expectedFee := btcutil.Amount(int64(math.Ceil(12.5 * float64(est.VirtualSize))))
	assert.Equal(t, expectedFee, est.EstimatedFee)
}

func TestEstimateFundingNoFunds(t *testing.T) {
	s := finalizedSession(t)
	w := fundedWallet(testParams)

	// A broke wallet still gets its preview, just a zero-valued one.
	est, err := EstimateFunding(context.Background(), s, w, 0)
	assert.NoError(t, err)
	assert.EqualValues(t, 80000, est.OutputValue)
	assert.Zero(t, est.InputValue)
	assert.Zero(t, est.ChangeValue)
	assert.Zero(t, est.VirtualSize)
	assert.Zero(t, est.EstimatedFee)
}
