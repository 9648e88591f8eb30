package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"hyperliquid-trader/pkg/types"
)

// agentChainID is the fixed EIP-712 domain chain ID the exchange endpoint
// verifies against, independent of the deployment.
const agentChainID = 1337

// Signer produces the secp256k1 signatures the venue's exchange endpoint
// requires. Each action is hashed together with its nonce into a connection
// ID, and the (source, connectionId) pair is signed as EIP-712 typed data.
// Info reads are unsigned, so a Signer is only needed for trading.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	source     string // "a" mainnet, "b" testnet
}

// NewSigner parses a hex private key (0x prefix optional). The environment
// selects the agent source the venue expects.
func NewSigner(privateKeyHex string, env types.Environment) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	source := "a"
	if env == types.EnvTestnet {
		source = "b"
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		source:     source,
	}, nil
}

// Address returns the signing wallet's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction signs a serialized exchange action for submission. The action
// bytes and the nonce are keccak-hashed into a 32-byte connection ID, which
// is then signed as the venue's Agent typed-data message.
func (s *Signer) SignAction(action json.RawMessage, nonce uint64) (wireSignature, error) {
	connectionID := actionHash(action, nonce)

	sig, err := s.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(agentChainID)),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": connectionID[:],
		},
		"Agent",
	)
	if err != nil {
		return wireSignature{}, fmt.Errorf("sign action: %w", err)
	}

	return wireSignature{
		R: "0x" + common.Bytes2Hex(sig[:32]),
		S: "0x" + common.Bytes2Hex(sig[32:64]),
		V: sig[64],
	}, nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (s *Signer) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// actionHash computes the connection ID binding an action to its nonce:
// keccak256(actionBytes || nonce_be64 || 0x00). The trailing zero byte marks
// a direct (non-vault) submission.
func actionHash(action json.RawMessage, nonce uint64) common.Hash {
	data := make([]byte, 0, len(action)+9)
	data = append(data, action...)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	data = append(data, nonceBytes[:]...)
	data = append(data, 0x00)

	return crypto.Keccak256Hash(data)
}
