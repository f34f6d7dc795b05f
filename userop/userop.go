// Package userop builds, signs, submits, and confirms relayed operations for
// programmable accounts. Operations are EIP-4337 style user operations: one
// signed batch of execution intent, ordered per account by a strictly
// increasing sequence number.
package userop

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is one relayed, signed batch of execution intent. It is
// built once, signed once (or re-signed once on a fee bump), and immutable
// after submission acceptance.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// userOpJSON is the bundler wire format: quantities as hex strings, byte
// fields 0x-prefixed.
type userOpJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON encodes the operation in the bundler wire format.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOpJSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(bigOrZero(op.Nonce)),
		InitCode:             emptyIfNil(op.InitCode),
		CallData:             emptyIfNil(op.CallData),
		CallGasLimit:         (*hexutil.Big)(bigOrZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(bigOrZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(bigOrZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(bigOrZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(bigOrZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     emptyIfNil(op.PaymasterAndData),
		Signature:            emptyIfNil(op.Signature),
	})
}

// UnmarshalJSON decodes the bundler wire format.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw userOpJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op.Sender = raw.Sender
	op.Nonce = (*big.Int)(raw.Nonce)
	op.InitCode = raw.InitCode
	op.CallData = raw.CallData
	op.CallGasLimit = (*big.Int)(raw.CallGasLimit)
	op.VerificationGasLimit = (*big.Int)(raw.VerificationGasLimit)
	op.PreVerificationGas = (*big.Int)(raw.PreVerificationGas)
	op.MaxFeePerGas = (*big.Int)(raw.MaxFeePerGas)
	op.MaxPriorityFeePerGas = (*big.Int)(raw.MaxPriorityFeePerGas)
	op.PaymasterAndData = raw.PaymasterAndData
	op.Signature = raw.Signature
	return nil
}

var (
	typeAddress = mustType("address")
	typeUint256 = mustType("uint256")
	typeBytes32 = mustType("bytes32")

	packArgs = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeUint256}, // callGasLimit
		{Type: typeUint256}, // verificationGasLimit
		{Type: typeUint256}, // preVerificationGas
		{Type: typeUint256}, // maxFeePerGas
		{Type: typeUint256}, // maxPriorityFeePerGas
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}

	hashArgs = abi.Arguments{
		{Type: typeBytes32}, // keccak(packed op)
		{Type: typeAddress}, // entry point
		{Type: typeUint256}, // chain id
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("userop: bad abi type %s: %v", t, err))
	}
	return typ
}

// Pack ABI-encodes the operation without its signature, the form the
// protocol hash is computed over.
func (op *UserOperation) Pack() ([]byte, error) {
	return packArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		bigOrZero(op.CallGasLimit),
		bigOrZero(op.VerificationGasLimit),
		bigOrZero(op.PreVerificationGas),
		bigOrZero(op.MaxFeePerGas),
		bigOrZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
}

// Hash computes the protocol-defined operation hash the account signature
// commits to: keccak over the packed operation, the entry point address,
// and the chain id.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack operation: %w", err)
	}
	enc, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, bigOrZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode operation hash input: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// Sign computes the operation hash and signs it with key, storing the
// 65-byte signature on the operation. The digest is signed as an Ethereum
// signed message, the convention account contracts validate against.
func (op *UserOperation) Sign(key *ecdsa.PrivateKey, entryPoint common.Address, chainID *big.Int) error {
	hash, err := op.Hash(entryPoint, chainID)
	if err != nil {
		return err
	}
	digest := crypto.Keccak256(
		[]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(hash))),
		hash.Bytes(),
	)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("failed to sign operation: %w", err)
	}
	sig[64] += 27
	op.Signature = sig
	return nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func emptyIfNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
