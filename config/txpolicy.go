package config

// Transaction-shape limits enforced by the account-state layer
// (pkg/tx, internal/mempool) independent of the validator-chain core.
// These bound the work a single transaction can impose on state
// transition and on MicroBody serialization.
const (
	MaxTxInputs   = 2500   // Max inputs per transaction.
	MaxTxOutputs  = 2500   // Max outputs per transaction.
	MaxScriptData = 65_536 // 64 KB max script data per output.
)
