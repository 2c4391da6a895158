package rental_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"rentalescrow/core/events"
	nhbstate "rentalescrow/core/state"
	"rentalescrow/native/bank"
	"rentalescrow/native/nft"
	"rentalescrow/native/rental"
	"rentalescrow/storage"
)

type testEnv struct {
	state    *nhbstate.Manager
	ledger   *bank.Ledger
	registry *nft.Registry
	engine   *rental.Engine
	recorder *events.Recorder
	now      int64
	assetID  *big.Int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, storage.NewMemDB())
}

func newTestEnvOn(t *testing.T, db storage.Database) *testEnv {
	t.Helper()
	state := nhbstate.NewManager(db)
	env := &testEnv{
		state:    state,
		ledger:   bank.NewLedger(state),
		registry: nft.NewRegistry(state),
		recorder: &events.Recorder{},
		now:      100,
		assetID:  big.NewInt(7),
	}
	env.engine = rental.NewEngine()
	env.engine.SetState(state)
	env.engine.SetAssetCustody(env.registry)
	env.engine.SetValueLedger(env.ledger)
	env.engine.SetEmitter(env.recorder)
	env.engine.SetNowFunc(func() int64 { return env.now })

	require.NoError(t, state.Atomic(func() error {
		if err := env.ledger.Credit(testBorrower, big.NewInt(100)); err != nil {
			return err
		}
		return env.registry.Mint(testContract, testLender, env.assetID)
	}))
	return env
}

func (env *testEnv) terms() rental.Terms {
	return rental.Terms{
		Lender:                testLender,
		Borrower:              testBorrower,
		AssetContract:         testContract,
		AssetID:               env.assetID,
		DueAt:                 testDue,
		RentalFee:             big.NewInt(10),
		CollateralAmount:      big.NewInt(50),
		CollateralGracePeriod: testGrace,
	}
}

func (env *testEnv) open(t *testing.T) *rental.Agreement {
	t.Helper()
	agreement, err := env.engine.Open(env.terms())
	require.NoError(t, err)
	require.Equal(t, rental.StatusCreated, agreement.Status)
	return agreement
}

func (env *testEnv) approve(t *testing.T, owner [20]byte, a *rental.Agreement) {
	t.Helper()
	require.NoError(t, env.state.Atomic(func() error {
		return env.registry.Approve(owner, a.Vault, a.AssetContract, a.AssetID)
	}))
}

func (env *testEnv) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := env.ledger.Balance(addr)
	require.NoError(t, err)
	return bal.Int64()
}

func (env *testEnv) owner(t *testing.T) [20]byte {
	t.Helper()
	owner, err := env.registry.OwnerOf(testContract, env.assetID)
	require.NoError(t, err)
	return owner
}

func (env *testEnv) get(t *testing.T, id [32]byte) *rental.Agreement {
	t.Helper()
	a, err := env.engine.Get(id)
	require.NoError(t, err)
	return a
}

// start runs both deposits in the asset-first order.
func (env *testEnv) start(t *testing.T) *rental.Agreement {
	t.Helper()
	a := env.open(t)
	env.approve(t, testLender, a)
	require.NoError(t, env.engine.DepositAsset(a.ID, testLender))
	require.NoError(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)))
	return env.get(t, a.ID)
}

func TestOpenValidatesCollaborators(t *testing.T) {
	env := newTestEnv(t)

	terms := env.terms()
	terms.Lender = testStranger
	_, err := env.engine.Open(terms)
	require.ErrorIs(t, err, rental.ErrNonTokenOwner)

	terms = env.terms()
	terms.CollateralAmount = big.NewInt(91)
	_, err = env.engine.Open(terms)
	require.ErrorIs(t, err, rental.ErrInsufficientValue)

	terms = env.terms()
	terms.AssetID = big.NewInt(8)
	_, err = env.engine.Open(terms)
	require.ErrorIs(t, err, nft.ErrTokenNotFound)

	terms = env.terms()
	terms.DueAt = 1
	terms.Nonce = 9
	_, err = env.engine.Open(terms)
	require.NoError(t, err, "a due timestamp in the past is accepted")

	env.open(t)
	_, err = env.engine.Open(env.terms())
	require.ErrorIs(t, err, rental.ErrAgreementExists)

	require.Equal(t, int64(100), env.balance(t, testBorrower), "open never moves funds")
}

func TestGetUnknownAgreement(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Get([32]byte{0x01})
	require.ErrorIs(t, err, rental.ErrAgreementNotFound)
	require.ErrorIs(t, env.engine.DepositAsset([32]byte{0x01}, testLender), rental.ErrAgreementNotFound)
}

func TestDepositOrderCommutes(t *testing.T) {
	assetFirst := newTestEnv(t)
	a := assetFirst.start(t)

	fundsFirst := newTestEnv(t)
	b := fundsFirst.open(t)
	require.NoError(t, fundsFirst.engine.DepositFunds(b.ID, testBorrower, big.NewInt(60)))
	require.Equal(t, rental.StatusFundsOnly, fundsFirst.get(t, b.ID).Status)
	fundsFirst.approve(t, testLender, b)
	require.NoError(t, fundsFirst.engine.DepositAsset(b.ID, testLender))
	b = fundsFirst.get(t, b.ID)

	for _, tc := range []struct {
		env *testEnv
		a   *rental.Agreement
	}{{assetFirst, a}, {fundsFirst, b}} {
		require.Equal(t, rental.StatusActive, tc.a.Status)
		require.True(t, tc.a.AssetDeposited)
		require.True(t, tc.a.FundsDeposited)
		require.Equal(t, int64(100), tc.a.RentalStartedAt)
		require.Equal(t, int64(10), tc.env.balance(t, testLender))
		require.Equal(t, int64(40), tc.env.balance(t, testBorrower))
		require.Equal(t, int64(50), tc.env.balance(t, tc.a.Vault))
		require.Equal(t, testBorrower, tc.env.owner(t))
	}
	require.Equal(t, a.ID, b.ID)
}

func TestDoubleDepositAndWrongCaller(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	env.approve(t, testLender, a)

	require.ErrorIs(t, env.engine.DepositAsset(a.ID, testBorrower), rental.ErrUnauthorized)
	require.ErrorIs(t, env.engine.DepositFunds(a.ID, testLender, big.NewInt(60)), rental.ErrUnauthorized)

	require.NoError(t, env.engine.DepositAsset(a.ID, testLender))
	require.ErrorIs(t, env.engine.DepositAsset(a.ID, testLender), rental.ErrAlreadyDeposited)

	require.NoError(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)))
	require.ErrorIs(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)), rental.ErrAlreadyDeposited)
	require.Equal(t, int64(40), env.balance(t, testBorrower))
}

func TestDepositFundsExactValue(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)

	require.ErrorIs(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(59)), rental.ErrInsufficientValue)
	require.ErrorIs(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(61)), rental.ErrExcessValue)
	require.Equal(t, int64(100), env.balance(t, testBorrower))
	require.Equal(t, rental.StatusCreated, env.get(t, a.ID).Status)
}

func TestWithdrawAssetBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	env.approve(t, testLender, a)
	require.NoError(t, env.engine.DepositAsset(a.ID, testLender))
	require.Equal(t, a.Vault, env.owner(t))

	require.ErrorIs(t, env.engine.WithdrawAsset(a.ID, testBorrower), rental.ErrUnauthorized)
	require.NoError(t, env.engine.WithdrawAsset(a.ID, testLender))
	require.Equal(t, testLender, env.owner(t))

	got := env.get(t, a.ID)
	require.Equal(t, rental.StatusCancelled, got.Status)
	require.True(t, got.AssetDeposited)

	require.ErrorIs(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)), rental.ErrInvalidState)
	require.ErrorIs(t, env.engine.WithdrawAsset(a.ID, testLender), rental.ErrInvalidState)
}

func TestWithdrawFundsBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	require.ErrorIs(t, env.engine.WithdrawFunds(a.ID, testBorrower), rental.ErrInvalidState)

	require.NoError(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)))
	require.NoError(t, env.engine.WithdrawFunds(a.ID, testBorrower))
	require.Equal(t, int64(100), env.balance(t, testBorrower))
	require.Zero(t, env.balance(t, a.Vault))
	require.Equal(t, rental.StatusCancelled, env.get(t, a.ID).Status)

	env.approve(t, testLender, a)
	require.ErrorIs(t, env.engine.DepositAsset(a.ID, testLender), rental.ErrInvalidState)
}

func TestReturnScenarios(t *testing.T) {
	cases := []struct {
		name       string
		at         int64
		lender     int64
		borrower   int64
		status     rental.Status
		vaultAfter int64
	}{
		{name: "at due", at: testDue, lender: 10, borrower: 90, status: rental.StatusSettled},
		{name: "half grace", at: testDue + 20, lender: 35, borrower: 65, status: rental.StatusSettled},
		{name: "grace over", at: testDue + 40, lender: 10, borrower: 40, status: rental.StatusReturned, vaultAfter: 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			a := env.start(t)
			env.approve(t, testBorrower, a)

			env.now = tc.at
			require.NoError(t, env.engine.ReturnAsset(a.ID, testBorrower))
			require.Equal(t, testLender, env.owner(t))
			require.Equal(t, tc.lender, env.balance(t, testLender))
			require.Equal(t, tc.borrower, env.balance(t, testBorrower))
			require.Equal(t, tc.vaultAfter, env.balance(t, a.Vault))
			require.Equal(t, tc.status, env.get(t, a.ID).Status)
		})
	}
}

func TestCollateralClaimAfterLateReturn(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t)
	env.approve(t, testBorrower, a)

	env.now = testDue + 40
	require.NoError(t, env.engine.ReturnAsset(a.ID, testBorrower))
	require.Zero(t, env.get(t, a.ID).CollateralCollected.Sign())

	require.ErrorIs(t, env.engine.WithdrawCollateral(a.ID, testBorrower), rental.ErrUnauthorized)
	require.NoError(t, env.engine.WithdrawCollateral(a.ID, testLender))
	require.Equal(t, int64(60), env.balance(t, testLender))
	require.Zero(t, env.balance(t, a.Vault))

	got := env.get(t, a.ID)
	require.Equal(t, rental.StatusSettled, got.Status)
	require.Equal(t, int64(50), got.CollateralCollected.Int64())
	require.ErrorIs(t, env.engine.WithdrawCollateral(a.ID, testLender), rental.ErrInvalidState)
}

func TestDefaultThenReturn(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t)

	env.now = testDue + 39
	require.ErrorIs(t, env.engine.WithdrawCollateral(a.ID, testLender), rental.ErrInvalidState)

	env.now = testDue + 40
	require.NoError(t, env.engine.WithdrawCollateral(a.ID, testLender))
	require.Equal(t, rental.StatusDefaulted, env.get(t, a.ID).Status)
	require.Equal(t, testBorrower, env.owner(t))
	require.Equal(t, int64(60), env.balance(t, testLender))

	env.approve(t, testBorrower, a)
	env.now = testDue + 100
	require.NoError(t, env.engine.ReturnAsset(a.ID, testBorrower))
	require.Equal(t, testLender, env.owner(t))
	got := env.get(t, a.ID)
	require.Equal(t, rental.StatusSettled, got.Status)
	require.Equal(t, int64(50), got.CollateralCollected.Int64())
	require.Equal(t, int64(40), env.balance(t, testBorrower))
}

func TestBorrowerRecoversAfterAbsentLender(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	require.NoError(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)))

	env.now = testDue + 40
	require.NoError(t, env.engine.WithdrawCollateral(a.ID, testLender))
	require.Equal(t, rental.StatusFundsOnly, env.get(t, a.ID).Status)
	require.Equal(t, int64(50), env.balance(t, testLender))

	require.NoError(t, env.engine.WithdrawFunds(a.ID, testBorrower))
	require.Equal(t, int64(50), env.balance(t, testBorrower))
	require.Zero(t, env.balance(t, a.Vault))
	require.Equal(t, rental.StatusCancelled, env.get(t, a.ID).Status)
}

func TestCollateralClaimWithEmptyVaultAborts(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	env.approve(t, testLender, a)
	require.NoError(t, env.engine.DepositAsset(a.ID, testLender))

	env.now = testDue + 40
	err := env.engine.WithdrawCollateral(a.ID, testLender)
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)
	require.Equal(t, a.Vault, env.owner(t))
	require.Equal(t, rental.StatusAssetOnly, env.get(t, a.ID).Status)
}

func TestStartRollsBackWhenLenderRejectsValue(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	require.NoError(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)))
	env.approve(t, testLender, a)
	require.NoError(t, env.state.Atomic(func() error { return env.ledger.SetRejecting(testLender, true) }))

	err := env.engine.DepositAsset(a.ID, testLender)
	require.ErrorIs(t, err, bank.ErrRecipientRejected)
	require.False(t, errors.Is(err, rental.ErrInvalidState), "collaborator errors are not escrow errors")

	got := env.get(t, a.ID)
	require.Equal(t, rental.StatusFundsOnly, got.Status)
	require.False(t, got.AssetDeposited)
	require.False(t, got.Started())
	require.Equal(t, testLender, env.owner(t))
	require.Equal(t, int64(60), env.balance(t, a.Vault))
	require.Zero(t, env.balance(t, testLender))
}

// failingDB rejects batch writes while failing is set.
type failingDB struct {
	*storage.MemDB
	failing bool
}

func (db *failingDB) WriteBatch(ops []storage.BatchOp) error {
	if db.failing {
		return errors.New("disk full")
	}
	return db.MemDB.WriteBatch(ops)
}

func TestFailedCommitLeavesStoreUntouched(t *testing.T) {
	db := &failingDB{MemDB: storage.NewMemDB()}
	env := newTestEnvOn(t, db)
	a := env.open(t)
	env.approve(t, testLender, a)
	require.NoError(t, env.engine.DepositAsset(a.ID, testLender))
	before := len(env.recorder.Events())

	db.failing = true
	err := env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60))
	require.ErrorContains(t, err, "disk full")
	require.Len(t, env.recorder.Events(), before)

	reopened := newTestEnvView(db)
	require.Equal(t, int64(100), reopened.balance(t, testBorrower))
	require.Equal(t, int64(0), reopened.balance(t, a.Vault))
	require.Equal(t, int64(0), reopened.balance(t, testLender))
	stored := reopened.get(t, a.ID)
	require.False(t, stored.FundsDeposited)
	require.Equal(t, rental.StatusAssetOnly, stored.Status)

	db.failing = false
	require.NoError(t, env.engine.DepositFunds(a.ID, testBorrower, big.NewInt(60)))
	require.Equal(t, rental.StatusActive, env.get(t, a.ID).Status)
	require.Equal(t, int64(40), env.balance(t, testBorrower))
	require.Equal(t, int64(10), env.balance(t, testLender))
}

// newTestEnvView reads db through a fresh manager with no pending overlay.
func newTestEnvView(db storage.Database) *testEnv {
	state := nhbstate.NewManager(db)
	env := &testEnv{
		state:    state,
		ledger:   bank.NewLedger(state),
		registry: nft.NewRegistry(state),
		recorder: &events.Recorder{},
		now:      100,
		assetID:  big.NewInt(7),
	}
	env.engine = rental.NewEngine()
	env.engine.SetState(state)
	env.engine.SetAssetCustody(env.registry)
	env.engine.SetValueLedger(env.ledger)
	return env
}

func TestDepositAssetWithoutApproval(t *testing.T) {
	env := newTestEnv(t)
	a := env.open(t)
	require.ErrorIs(t, env.engine.DepositAsset(a.ID, testLender), nft.ErrNotApproved)
	require.False(t, env.get(t, a.ID).AssetDeposited)
}

func TestReturnWithoutApprovalRollsBack(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t)

	env.now = testDue + 20
	require.ErrorIs(t, env.engine.ReturnAsset(a.ID, testBorrower), nft.ErrNotApproved)

	got := env.get(t, a.ID)
	require.Equal(t, rental.StatusActive, got.Status)
	require.Zero(t, got.CollateralCollected.Sign())
	require.Equal(t, int64(50), env.balance(t, a.Vault))
	require.Equal(t, int64(10), env.balance(t, testLender))
	require.Equal(t, testBorrower, env.owner(t))
}

func TestCollectedNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t)
	env.approve(t, testBorrower, a)

	steps := []func() error{
		func() error { env.now = testDue + 10; return env.engine.WithdrawCollateral(a.ID, testLender) },
		func() error { env.now = testDue + 30; return env.engine.ReturnAsset(a.ID, testBorrower) },
		func() error { env.now = testDue + 50; return env.engine.WithdrawCollateral(a.ID, testLender) },
		func() error { return env.engine.ReturnAsset(a.ID, testBorrower) },
	}
	prev := big.NewInt(0)
	for _, step := range steps {
		_ = step()
		got := env.get(t, a.ID)
		require.GreaterOrEqual(t, got.CollateralCollected.Cmp(prev), 0)
		require.LessOrEqual(t, got.CollateralCollected.Cmp(got.CollateralAmount), 0)
		prev = got.CollateralCollected
	}
	require.Equal(t, int64(50), prev.Int64())
}

func TestEventsEmitted(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t)
	env.approve(t, testBorrower, a)
	env.now = testDue + 20
	require.NoError(t, env.engine.ReturnAsset(a.ID, testBorrower))

	require.Equal(t, []string{
		rental.EventTypeOpened,
		rental.EventTypeAssetDeposited,
		rental.EventTypeFundsDeposited,
		rental.EventTypeStarted,
		rental.EventTypeReturned,
	}, env.recorder.Types())

	recorded := env.recorder.Events()
	payload, ok := recorded[len(recorded)-1].(events.Payload)
	require.True(t, ok)
	attrs := payload.Event().Attributes
	require.Equal(t, "settled", attrs["status"])
	require.Equal(t, "25", attrs[string(rental.PurposeLatePenalty)])
	require.Equal(t, "25", attrs[string(rental.PurposeCollateralRefund)])
	require.Equal(t, "50", attrs["collateralCollected"])

	// Failed calls emit nothing.
	require.Error(t, env.engine.ReturnAsset(a.ID, testBorrower))
	require.Len(t, env.recorder.Types(), 5)
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := rental.NewEngine()
	_, err := engine.Open(rental.Terms{})
	require.Error(t, err)
	require.Error(t, engine.DepositAsset([32]byte{}, testLender))
}
