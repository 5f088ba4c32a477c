// Klingnet validator node daemon.
//
// Usage:
//
//	klingnetd [--validator-key=NAME]   Run node
//	klingnetd --help                   Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	"github.com/Klingon-tech/klingnet-chain/internal/assembler"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/internal/forkpool"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/orchestrator"
	"github.com/Klingon-tech/klingnet-chain/internal/pbft"
	"github.com/Klingon-tech/klingnet-chain/internal/rpc"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/internal/validatorkey"
	"github.com/Klingon-tech/klingnet-chain/internal/vnetwork"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = cfg.LogsDir() + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis ───────────────────────────────────────────────────────
	genesisInfo, err := config.LoadGenesisFile(cfg.GenesisFile())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.GenesisFile()).Msg("Failed to load genesis file")
	}
	logger.Info().
		Str("network", string(cfg.Network)).
		Str("genesis_hash", genesisInfo.Hash.String()).
		Uint32("validators", uint32(genesisInfo.Block.Header.Validators.Len())).
		Msg("Genesis loaded")

	// ── 4. Open storage ──────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("Failed to open database")
	}
	defer db.Close()
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Build the chain facade ────────────────────────────────────────
	ch, err := chain.New(db, genesisInfo)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open chain")
	}
	logger.Info().
		Uint32("block_number", ch.BlockNumber()).
		Str("head", ch.HeadHash().String()).
		Msg("Chain ready")

	// ── 6. Load the validator key, if configured ─────────────────────────
	var validatorKey *crypto.BLSSecretKey
	if cfg.Validator.KeyFile != "" {
		ks, err := validatorkey.NewKeystore(cfg.KeystoreDir())
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open validator keystore")
		}
		password := os.Getenv("KLINGNET_VALIDATOR_PASSWORD")
		if password == "" {
			logger.Fatal().Msg("--validator-key requires KLINGNET_VALIDATOR_PASSWORD to be set")
		}
		validatorKey, err = ks.Load(cfg.Validator.KeyFile, []byte(password))
		if err != nil {
			logger.Fatal().Err(err).Str("name", cfg.Validator.KeyFile).Msg("Failed to load validator key")
		}
		logger.Info().
			Str("name", cfg.Validator.KeyFile).
			Str("pubkey", fmt.Sprintf("%x", validatorKey.PublicKey().Compress())[:16]+"...").
			Msg("Validator key loaded")
	} else {
		// The engine always needs a key to size its BLS registry lookups
		// against (Slot() reports "no slot" for any key not in the current
		// validator set), so a node with no validator duty still runs one,
		// generated fresh and never persisted.
		validatorKey, err = validatorkey.GenerateRaw()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to generate an ephemeral non-validator key")
		}
		logger.Info().Msg("No validator key configured; running as a non-validating observer")
	}

	// ── 7. Account-state layer (kept from the teacher, §1 external concern) ──
	utxoStore := utxo.NewStore(db)
	pool := mempool.New(utxoStore, 5000)

	// ── 8. Fork-proof pool (C3) ───────────────────────────────────────────
	forkPool := forkpool.New()

	// ── 9. Block assembler (C2) ───────────────────────────────────────────
	producer := assembler.New(ch, pool, forkPool, validatorKey)

	// ── 10. Signature aggregation (C4) ────────────────────────────────────
	verifier := aggregator.NewPooledVerifier(8)
	reporter := faultLogger{logger: logger}

	// ── 11. Validator network transport (A5) ──────────────────────────────
	net := vnetwork.New(vnetwork.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		NoDiscover: cfg.P2P.NoDiscover,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  genesisInfo.Hash.String(),
		DataDir:    cfg.ChainDataDir(),
	})

	// ── 12. Orchestrator (C7) ──────────────────────────────────────────────
	rounds := newRoundManager()

	var orch *orchestrator.Orchestrator
	orch = orchestrator.New(ch, producer, forkPool, validatorKey, orchestrator.Options{
		Verifier: verifier,
		Reporter: reporter,
		OnMicroBlockProduced: func(b *albatross.MicroBlock) {
			if err := net.BroadcastMicroBlock(b); err != nil {
				logger.Warn().Err(err).Msg("Failed to broadcast produced micro block")
			}
		},
		OnMacroProposal: func(proposal *albatross.SignedPbftProposal, body *albatross.MacroBody) {
			hash := proposal.Header.Hash()
			rounds.rememberBody(hash, body)
			round := rounds.roundFor(proposal.Header.BlockNumber, orch, orch.IdentityRegistry(), verifier, reporter, ch, logger)
			if err := round.OnProposal(context.Background(), "self", proposal, nil); err != nil {
				logger.Warn().Err(err).Msg("Local PBFT round rejected our own proposal")
			}
			if err := net.BroadcastMacroProposal(proposal); err != nil {
				logger.Warn().Err(err).Msg("Failed to broadcast macro proposal")
			}
		},
	})

	// ── 13. Wire inbound network messages into the engine ─────────────────
	net.SetMicroBlockHandler(func(from peer.ID, b *albatross.MicroBlock) {
		if _, err := ch.Push(b); err != nil {
			logger.Debug().Err(err).Str("peer", from.String()).Msg("Rejected gossiped micro block")
		}
	})

	net.SetMacroProposalHandler(func(from peer.ID, proposal *albatross.SignedPbftProposal) {
		round := rounds.roundFor(proposal.Header.BlockNumber, orch, orch.IdentityRegistry(), verifier, reporter, ch, logger)
		check := func(p *albatross.SignedPbftProposal) error {
			return verifyProposalLeader(ch, p)
		}
		if err := round.OnProposal(context.Background(), from.String(), proposal, check); err != nil {
			logger.Debug().Err(err).Str("peer", from.String()).Msg("Rejected gossiped macro proposal")
		}
	})

	net.SetForkProofHandler(func(from peer.ID, fp *albatross.ForkProof) {
		orch.OnForkProof(*fp)
	})

	net.SetViewChangeHandler(func(from peer.ID, blockNumber uint32, c aggregator.Contribution) {
		orch.OnViewChangeUpdate(context.Background(), blockNumber, c)
	})

	net.SetPbftPrepareHandler(func(from peer.ID, hash [32]byte, c aggregator.Contribution) {
		if round := rounds.activeRound(); round != nil {
			round.OnPrepareUpdate(context.Background(), c)
		}
	})

	net.SetPbftCommitHandler(func(from peer.ID, hash [32]byte, c aggregator.Contribution) {
		if round := rounds.activeRound(); round != nil {
			round.OnCommitUpdate(context.Background(), c)
		}
	})

	net.SetValidatorInfoHandler(func(from peer.ID, info *albatross.ValidatorInfo) {
		logger.Debug().Str("peer", from.String()).Uint32("valid_from", info.ValidFrom).Msg("Received validator info")
	})

	// ── 14. Start the network transport ────────────────────────────────────
	if cfg.P2P.Enabled {
		if err := net.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start validator network")
		}
		defer net.Stop()
		logger.Info().
			Str("id", net.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("Validator network started")
	}

	// ── 15. Start the orchestrator and RPC surface ─────────────────────────
	orch.Start()
	defer orch.Stop()
	// This reference node has no separate peer-sync handshake (A5's
	// transport is gossip-only); validator duty begins as soon as the
	// local chain and network are up.
	orch.OnConsensusEstablished()

	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer := rpc.New(rpcAddr, ch, orch, net)
		if err := rpcServer.Start(); err != nil {
			logger.Fatal().Err(err).Str("addr", rpcAddr).Msg("Failed to start RPC server")
		}
		defer rpcServer.Stop()
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	}

	// ── 16. Startup banner ──────────────────────────────────────────────
	logger.Info().
		Uint32("block_number", ch.BlockNumber()).
		Str("head", ch.HeadHash().String()).
		Bool("validator_key_configured", cfg.Validator.KeyFile != "").
		Msg("Node started successfully")

	// ── 17. Wait for shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Graceful shutdown runs in reverse registration order via the defers
	// above: RPC server → orchestrator → network → database.
	_ = flags // flags is only consulted during config.Load's own flag parsing
	logger.Info().Msg("Goodbye!")
}

// faultLogger reports forged signature aggregates to the log; this
// reference node has no peer-reputation system to act on the report.
type faultLogger struct {
	logger zerolog.Logger
}

func (f faultLogger) ReportForged(signers *types.BitSet) {
	f.logger.Warn().Int("signers", signers.Count()).Msg("Forged signature contribution rejected")
}

// verifyProposalLeader checks that a gossiped macro proposal's signer is
// the slot assigned to produce it, and that it extends the local chain.
func verifyProposalLeader(ch *chain.Chain, p *albatross.SignedPbftProposal) error {
	if p.Header.BlockNumber != ch.BlockNumber()+1 {
		return fmt.Errorf("main: proposal block number %d does not extend head %d", p.Header.BlockNumber, ch.BlockNumber())
	}
	txn := ch.WriteTransaction()
	defer txn.Abort()
	slot, _, err := ch.GetBlockProducerAt(p.Header.BlockNumber, p.Header.ViewNumber, txn)
	if err != nil {
		return fmt.Errorf("main: resolve expected leader: %w", err)
	}
	pub, err := crypto.BLSPublicKeyFromBytes(slot.PublicKey)
	if err != nil {
		return fmt.Errorf("main: decode leader public key: %w", err)
	}
	sig, err := crypto.BLSSignatureFromBytes(p.Signature[:])
	if err != nil {
		return fmt.Errorf("main: decode proposal signature: %w", err)
	}
	if !crypto.VerifyBLS(pub, albatross.ProposalSigningBytes(&p.Header), sig) {
		return fmt.Errorf("main: proposal signature does not match the assigned leader")
	}
	return nil
}

// roundManager owns the single active PBFT round (C6) for the chain's next
// macro block and the cache of locally-proposed bodies the round's
// BodyFetcher serves from, since internal/pbft only models one round at a
// time and leaves body retrieval to the caller (see DESIGN.md's open
// question on the non-leader body fetch).
type roundManager struct {
	mu          sync.Mutex
	current     *pbft.Round
	blockNumber uint32
	bodies      map[types.Hash]*albatross.MacroBody
}

func newRoundManager() *roundManager {
	return &roundManager{bodies: make(map[types.Hash]*albatross.MacroBody)}
}

func (m *roundManager) rememberBody(hash types.Hash, body *albatross.MacroBody) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[hash] = body
}

// BodyFor implements pbft.BodyFetcher.
func (m *roundManager) BodyFor(hash types.Hash) (*albatross.MacroBody, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bodies[hash]
	return b, ok
}

// roundFor returns the round for blockNumber, creating a fresh one the
// first time a proposal for a new block number is seen. ch receives the
// finalized macro block once the round's commit quorum is reached.
func (m *roundManager) roundFor(blockNumber uint32, identity pbft.Identity, registry aggregator.IdentityRegistry, verifier aggregator.Verifier, reporter aggregator.FaultReporter, ch *chain.Chain, logger zerolog.Logger) *pbft.Round {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.blockNumber == blockNumber {
		return m.current
	}
	m.current = pbft.New(identity, registry, verifier, reporter, m, func(header albatross.MacroHeader, proof *albatross.PbftProof, body *albatross.MacroBody) {
		block := &albatross.MacroBlock{Header: header, Justification: proof, Body: body}
		if _, err := ch.Push(block); err != nil {
			logger.Warn().Err(err).Uint32("block_number", header.BlockNumber).Msg("Failed to push committed macro block")
		}
	})
	m.blockNumber = blockNumber
	return m.current
}

func (m *roundManager) activeRound() *pbft.Round {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
