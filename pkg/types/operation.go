package types

import (
	"math/big"
)

// Call is a single call executed by the smart account.
type Call struct {
	To    string   `json:"to"`
	Value *big.Int `json:"value,omitempty"`
	Data  []byte   `json:"data,omitempty"`
}

// Receipt is the inclusion result of a user operation.
type Receipt struct {
	UserOpHash      string `json:"userOpHash"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	Sender          string `json:"sender"`
	Success         bool   `json:"success"`
	Reason          string `json:"reason,omitempty"`
	ActualGasCost   string `json:"actualGasCost,omitempty"`
	ActualGasUsed   string `json:"actualGasUsed,omitempty"`
}

// KeyMaterial is the WebAuthn public key and authenticator identity needed to
// rebuild a passkey validator. PubX and PubY are decimal strings so they can
// be persisted without precision loss.
type KeyMaterial struct {
	PubX                string `json:"pubX"`
	PubY                string `json:"pubY"`
	AuthenticatorID     string `json:"authenticatorId"`
	AuthenticatorIDHash string `json:"authenticatorIdHash"`
}
