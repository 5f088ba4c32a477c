package aggregator

import (
	"context"
	"runtime"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// PooledVerifier offloads BLS aggregate verification to a bounded worker
// pool, mirroring the reference MultithreadedVerifier's CPU-pool dispatch.
type PooledVerifier struct {
	sem chan struct{}
}

// NewPooledVerifier returns a verifier backed by workers goroutines at a
// time; workers <= 0 defaults to the number of available CPUs.
func NewPooledVerifier(workers int) *PooledVerifier {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &PooledVerifier{sem: make(chan struct{}, workers)}
}

func (v *PooledVerifier) Verify(ctx context.Context, msg []byte, registry IdentityRegistry, c Contribution) <-chan VerifyResult {
	out := make(chan VerifyResult, 1)
	go func() {
		select {
		case v.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-v.sem }()

		out <- verifyContribution(msg, registry, c)
		close(out)
	}()
	return out
}

func verifyContribution(msg []byte, registry IdentityRegistry, c Contribution) VerifyResult {
	indices := c.Signers.Indices()
	pubs := make([]*crypto.BLSPublicKey, 0, len(indices))
	for _, idx := range indices {
		pk, ok := registry.PublicKey(idx)
		if !ok {
			return VerifyResult{Status: StatusUnknownSigner, SignerIndex: idx}
		}
		pubs = append(pubs, pk)
	}

	aggPub, err := crypto.AggregateBLSPublicKeys(pubs)
	if err != nil {
		return VerifyResult{Status: StatusForged}
	}
	if crypto.VerifyBLSAggregate(aggPub, msg, c.Signature) {
		return VerifyResult{Status: StatusOK}
	}
	return VerifyResult{Status: StatusForged}
}
