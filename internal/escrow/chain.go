package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// escrowABI is the slice of the marketplace escrow contract the bridge
// touches: one getter, one settlement call.
const escrowABI = `[
  {"name":"getEscrow","type":"function","stateMutability":"view",
   "inputs":[{"name":"escrowId","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"clientDidHash","type":"bytes32"},
     {"name":"providerDidHash","type":"bytes32"},
     {"name":"client","type":"address"},
     {"name":"provider","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"token","type":"address"},
     {"name":"taskHash","type":"bytes32"},
     {"name":"outputHash","type":"bytes32"},
     {"name":"deadline","type":"uint256"},
     {"name":"state","type":"uint8"},
     {"name":"createdAt","type":"uint256"},
     {"name":"deliveredAt","type":"uint256"}]},
  {"name":"confirmDelivery","type":"function","stateMutability":"nonpayable",
   "inputs":[
     {"name":"escrowId","type":"uint256"},
     {"name":"outputHash","type":"bytes32"}],
   "outputs":[]}
]`

// chainBackend is the escrow contract surface the client needs. The bound
// implementation talks JSON-RPC; tests substitute a fake.
type chainBackend interface {
	fetch(ctx context.Context, id *big.Int) (Escrow, error)
	confirm(ctx context.Context, id *big.Int, outputHash [32]byte) (string, error)
}

type boundBackend struct {
	contract *bind.BoundContract
	signer   *bind.TransactOpts
}

func newBoundBackend(rpcURL, contractAddr, walletKey string, chainID int64) (*boundBackend, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial escrow rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(walletKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(contractAddr), parsed, client, client, client)
	return &boundBackend{contract: contract, signer: signer}, nil
}

func (b *boundBackend) fetch(ctx context.Context, id *big.Int) (Escrow, error) {
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", id); err != nil {
		return Escrow{}, err
	}
	if len(out) != 13 {
		return Escrow{}, fmt.Errorf("getEscrow returned %d values", len(out))
	}
	clientDID := out[1].([32]byte)
	providerDID := out[2].([32]byte)
	taskHash := out[7].([32]byte)
	outputHash := out[8].([32]byte)
	return Escrow{
		ID:              out[0].(*big.Int),
		ClientDIDHash:   hexutil.Encode(clientDID[:]),
		ProviderDIDHash: hexutil.Encode(providerDID[:]),
		ClientAddr:      out[3].(common.Address),
		ProviderAddr:    out[4].(common.Address),
		Amount:          out[5].(*big.Int),
		Token:           out[6].(common.Address),
		TaskHash:        hexutil.Encode(taskHash[:]),
		OutputHash:      hexutil.Encode(outputHash[:]),
		Deadline:        out[9].(*big.Int).Int64(),
		State:           State(out[10].(uint8)),
		CreatedAt:       out[11].(*big.Int).Int64(),
		DeliveredAt:     out[12].(*big.Int).Int64(),
	}, nil
}

func (b *boundBackend) confirm(ctx context.Context, id *big.Int, outputHash [32]byte) (string, error) {
	opts := *b.signer
	opts.Context = ctx
	tx, err := b.contract.Transact(&opts, "confirmDelivery", id, outputHash)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// WalletAddress derives the 0x address controlled by a hex-encoded private
// key, for resolving unset payment addresses at startup.
func WalletAddress(walletKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(walletKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse wallet key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// OutputHash commits to a task output the way the contract expects.
func OutputHash(output string) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256([]byte(output)))
	return h
}
