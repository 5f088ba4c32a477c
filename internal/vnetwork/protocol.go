package vnetwork

// GossipSub topic names for the validator network (A5). Every message kind
// gets its own topic so a peer can subscribe only to what it needs.
const (
	TopicMicroBlocks    = "/klingnet/validator/microblock/1.0.0"
	TopicMacroProposals = "/klingnet/validator/macroproposal/1.0.0"
	TopicForkProofs     = "/klingnet/validator/forkproof/1.0.0"
	TopicViewChange     = "/klingnet/validator/viewchange/1.0.0"
	TopicPbftPrepare    = "/klingnet/validator/pbft-prepare/1.0.0"
	TopicPbftCommit     = "/klingnet/validator/pbft-commit/1.0.0"
	TopicValidatorInfo  = "/klingnet/validator/info/1.0.0"
)
