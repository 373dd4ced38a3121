package smallbank

import (
	"testing"

	"chainbft_node/bft"
	"chainbft_node/state"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tm-db/memdb"
)

const testChainID = "smallbank_test"

type testAccount struct {
	key  crypto.PrivKey
	addr types.Address
}

func newTestAccount(seed string) testAccount {
	key := ed25519.GenPrivKeyFromSecret([]byte(seed))
	return testAccount{key: key, addr: types.GetAddress(key.PubKey())}
}

func newTestBackend(t *testing.T, accounts ...testAccount) (*Backend, []byte) {
	pv := types.NewMockPVFromSeed([]byte("smallbank-validator"))
	genesis := &Genesis{Validators: []*types.ValidatorInfo{types.ValidatorInfoOf(pv, 1)}}
	for _, a := range accounts {
		genesis.Accounts = append(genesis.Accounts, &GenesisAccount{Address: a.addr, Checking: 100, Saving: 50})
	}
	b := NewBackend(testChainID, genesis, memdb.NewDB())
	id, err := b.InitStateMachine(&types.BlockHeader{Height: 0})
	require.NoError(t, err)
	events, update, err := b.InitGenesisState(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, update.NextValidators, 1)
	assert.Equal(t, uint64(1), update.PrecommitThreshold)
	root, err := b.Commit(id, nil, false)
	require.NoError(t, err)
	require.NoError(t, b.Clear(id))
	return b, root
}

func (a testAccount) tx(t *testing.T, command string, params *Params, nonce uint64) *types.Transaction {
	tx, err := NewTransaction(testChainID, command, params, nonce, MinFee, a.key)
	require.NoError(t, err)
	return tx
}

// executeBlock 按执行器的顺序驱动一个区块
func executeBlock(t *testing.T, b *Backend, header *types.BlockHeader, implies bool, txs ...*types.Transaction) ([]byte, []state.TxResult) {
	id, err := b.InitStateMachine(header)
	require.NoError(t, err)
	defer b.Clear(id)
	params := &state.ConsensusParams{ImplyMaxPrevote: implies}
	_, err = b.BeforeTransactionsExecute(id, types.Assets{}, params)
	require.NoError(t, err)

	results := make([]state.TxResult, len(txs))
	var executed types.Txs
	for i, tx := range txs {
		res, err := b.VerifyTransaction(id, tx, header)
		require.NoError(t, err)
		if res == state.TxResultOK {
			_, res, err = b.ExecuteTransaction(id, tx, types.Assets{}, params, false)
			require.NoError(t, err)
		}
		results[i] = res
		if res == state.TxResultOK {
			executed = append(executed, tx)
		}
	}
	_, update, err := b.AfterTransactionsExecute(id, types.Assets{}, params, executed)
	require.NoError(t, err)
	assert.Nil(t, update)
	root, err := b.Commit(id, nil, false)
	require.NoError(t, err)
	return root, results
}

func TestSmallBankCommands(t *testing.T) {
	alice, bob := newTestAccount("alice"), newTestAccount("bob")
	b, _ := newTestBackend(t, alice, bob)
	generator := newTestAccount("generator")
	header := &types.BlockHeader{Height: 1, GeneratorAddress: generator.addr}

	_, results := executeBlock(t, b, header, true,
		alice.tx(t, CommandDepositChecking, &Params{Amount: 20}, 0),
		alice.tx(t, CommandTransactSavings, &Params{Amount: -30}, 1),
		alice.tx(t, CommandSendPayment, &Params{To: bob.addr, Amount: 40}, 2),
		bob.tx(t, CommandWriteCheck, &Params{Amount: 500}, 0),
		// nonce错误
		bob.tx(t, CommandDepositChecking, &Params{Amount: 1}, 0),
	)
	assert.Equal(t, []state.TxResult{
		state.TxResultOK, state.TxResultOK, state.TxResultOK, state.TxResultOK, state.TxResultInvalid,
	}, results)

	acc, err := b.Account(alice.addr)
	require.NoError(t, err)
	assert.Equal(t, &Account{Nonce: 3, Checking: 100 + 20 - 40 - 3, Saving: 20}, acc)

	// 透支的支票多扣1
	acc, err = b.Account(bob.addr)
	require.NoError(t, err)
	assert.Equal(t, &Account{Nonce: 1, Checking: 100 + 40 - 500 - 1 - 1, Saving: 50}, acc)

	acc, err = b.Account(generator.addr)
	require.NoError(t, err)
	assert.Equal(t, BlockReward+4, acc.Checking)

	// amalgamate 把所有余额转到对方的checking
	header2 := &types.BlockHeader{Height: 2, GeneratorAddress: generator.addr}
	_, results = executeBlock(t, b, header2, false,
		alice.tx(t, CommandAmalgamate, &Params{To: bob.addr}, 3),
	)
	assert.Equal(t, []state.TxResult{state.TxResultOK}, results)
	acc, err = b.Account(alice.addr)
	require.NoError(t, err)
	assert.Equal(t, &Account{Nonce: 4}, acc)
	acc, err = b.Account(bob.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(100+40-500-2+77+20-1), acc.Checking)

	// 没有投满prevote的区块奖励减少
	acc, err = b.Account(generator.addr)
	require.NoError(t, err)
	assert.Equal(t, BlockReward+4+BlockReward/4+1, acc.Checking)
}

func TestSmallBankInvalidTransactions(t *testing.T) {
	alice, bob := newTestAccount("alice"), newTestAccount("bob")
	b, _ := newTestBackend(t, alice, bob)

	wrongChain, err := NewTransaction("other-chain", CommandDepositChecking, &Params{Amount: 1}, 0, MinFee, alice.key)
	require.NoError(t, err)
	noFee, err := NewTransaction(testChainID, CommandDepositChecking, &Params{Amount: 1}, 0, 0, alice.key)
	require.NoError(t, err)
	unknown := alice.tx(t, CommandDepositChecking, &Params{Amount: 1}, 0)
	unknown.Command = "balance"
	require.NoError(t, unknown.Sign(testChainID, alice.key))

	_, results := executeBlock(t, b, &types.BlockHeader{Height: 1, GeneratorAddress: bob.addr}, true,
		wrongChain,
		noFee,
		unknown,
		alice.tx(t, CommandTransactSavings, &Params{Amount: -51}, 0),
		alice.tx(t, CommandSendPayment, &Params{To: alice.addr, Amount: 1}, 0),
		alice.tx(t, CommandSendPayment, &Params{To: bob.addr, Amount: 1000}, 0),
	)
	for i, res := range results {
		assert.Equal(t, state.TxResultInvalid, res, "tx %d", i)
	}

	_, err = NewTransaction(testChainID, CommandWriteCheck, &Params{Amount: -1}, 0, MinFee, alice.key)
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Error(t, b.CheckTx(wrongChain))
	assert.NoError(t, b.CheckTx(alice.tx(t, CommandDepositChecking, &Params{Amount: 1}, 0)))
	// 余额不足的转账在试执行时被拒绝
	assert.ErrorIs(t, b.CheckTx(alice.tx(t, CommandSendPayment, &Params{To: bob.addr, Amount: 1000}, 0)), types.ErrInvalidTransaction)
}

func TestSmallBankRevert(t *testing.T) {
	alice, bob := newTestAccount("alice"), newTestAccount("bob")
	b, genesisRoot := newTestBackend(t, alice, bob)
	before, err := b.Account(alice.addr)
	require.NoError(t, err)

	header := &types.BlockHeader{Height: 1, GeneratorAddress: bob.addr}
	root, _ := executeBlock(t, b, header, true, alice.tx(t, CommandSendPayment, &Params{To: bob.addr, Amount: 10}, 0))
	assert.NotEqual(t, genesisRoot, root)

	assert.ErrorIs(t, b.Revert(1, genesisRoot, genesisRoot), ErrStateRoot)
	require.NoError(t, b.Revert(1, root, genesisRoot))
	after, err := b.Account(alice.addr)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// 同一个区块重新执行得到相同的根
	again, _ := executeBlock(t, b, header, true, alice.tx(t, CommandSendPayment, &Params{To: bob.addr, Amount: 10}, 0))
	assert.Equal(t, root, again)

	// 最终之后diff被删除，不能再回滚
	require.NoError(t, b.Finalize(1))
	assert.Error(t, b.Revert(1, root, genesisRoot))
}

func TestSmallBankDryRun(t *testing.T) {
	alice, bob := newTestAccount("alice"), newTestAccount("bob")
	b, genesisRoot := newTestBackend(t, alice, bob)

	header := &types.BlockHeader{Height: 1, GeneratorAddress: bob.addr}
	id, err := b.InitStateMachine(header)
	require.NoError(t, err)
	defer b.Clear(id)
	params := &state.ConsensusParams{ImplyMaxPrevote: true}
	tx := alice.tx(t, CommandDepositChecking, &Params{Amount: 5}, 0)
	_, res, err := b.ExecuteTransaction(id, tx, types.Assets{}, params, true)
	require.NoError(t, err)
	require.Equal(t, state.TxResultOK, res)

	// dry run 的交易不写入上下文
	root, err := b.Commit(id, nil, true)
	require.NoError(t, err)
	assert.Equal(t, genesisRoot, root)

	_, res, err = b.ExecuteTransaction(id, tx, types.Assets{}, params, false)
	require.NoError(t, err)
	require.Equal(t, state.TxResultOK, res)
	root, err = b.Commit(id, nil, true)
	require.NoError(t, err)
	assert.NotEqual(t, genesisRoot, root)

	_, err = b.Commit(id, genesisRoot, false)
	assert.ErrorIs(t, err, ErrStateRoot)

	// commit dry run 不落盘
	acc, err := b.Account(alice.addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acc.Nonce)
}

func TestGenesisFromDoc(t *testing.T) {
	alice := newTestAccount("alice")
	data, err := json.Marshal(&Genesis{Accounts: []*GenesisAccount{{Address: alice.addr, Checking: 7}}})
	require.NoError(t, err)
	doc := &types.GenesisDoc{ChainID: testChainID, Assets: []*types.GenesisAsset{{Module: ModuleName, Data: data}}}
	g, err := GenesisFromDoc(doc)
	require.NoError(t, err)
	require.Len(t, g.Accounts, 1)
	assert.Equal(t, alice.addr, g.Accounts[0].Address)

	_, err = GenesisFromDoc(&types.GenesisDoc{ChainID: testChainID})
	assert.Error(t, err)

	update := (&Genesis{Validators: []*types.ValidatorInfo{{BFTWeight: 3}, {BFTWeight: 3}}}).ValidatorUpdate()
	assert.Equal(t, uint64(5), update.PrecommitThreshold)
	assert.Equal(t, uint64(5), update.CertificateThreshold)
}

func TestNewGenesisDoc(t *testing.T) {
	alice := newTestAccount("alice")
	pv := types.NewMockPVFromSeed([]byte("smallbank-validator"))
	g := &Genesis{
		Accounts:   []*GenesisAccount{{Address: alice.addr, Checking: 100, Saving: 50}},
		Validators: []*types.ValidatorInfo{types.ValidatorInfoOf(pv, 1)},
	}
	doc, err := NewGenesisDoc(testChainID, 1000, 5, 1, g)
	require.NoError(t, err)
	assert.Len(t, doc.StateRoot, types.IDLength)
	assert.Len(t, doc.ValidatorsHash, types.IDLength)

	// 用写入根之后的创世区块可以在新节点上执行
	loaded, err := GenesisFromDoc(doc)
	require.NoError(t, err)
	b := NewBackend(testChainID, loaded, memdb.NewDB())
	exec := state.NewBlockExec(testChainID, b, bft.NewModule(doc.BFTBatchSize), store.NewBlockStore(memdb.NewDB()))
	_, err = exec.ExecuteGenesis(doc.GenesisBlock())
	require.NoError(t, err)
	acc, err := b.Account(alice.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(150), acc.Total())

	_, err = NewGenesisDoc(testChainID, 1000, 5, 1, &Genesis{})
	assert.Error(t, err)
}
