package model

// TransferEvent is the normalized shape of an observed on-chain transfer.
// Both the webhook boundary and the log scanner produce this type; nothing
// downstream ever sees a raw provider payload.
type TransferEvent struct {
	ChainTxID   string `json:"chain_tx_id"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"` // base units
	BlockNumber int64  `json:"block_number"`
	NetworkID   string `json:"network_id"`
}
