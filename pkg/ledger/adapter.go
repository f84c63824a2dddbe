// Package ledger adapts the orchestrator to the on-ledger escrow/registry
// contract: reads are plain JSON-RPC view calls, writes are signed oracle
// transactions, and a background poller turns contract events into the
// internal bus feed C7 distributes (spec.md §4.1).
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aidchain/orchestrator/pkg/ethereum"
	"github.com/aidchain/orchestrator/pkg/model"
)

const defaultGasLimit = 500_000

// Adapter is the sole component talking to the escrow contract. All
// reads go through the client's ethclient directly; all writes are
// serialized through writeMu so the oracle account's nonce never races
// (spec.md §5: "transaction nonces are serialised through the ledger
// adapter").
type Adapter struct {
	client          *ethereum.Client
	contractAddr    gethcommon.Address
	oracleKeyHex    string // hex, no 0x prefix; empty when writes are disabled
	oracleAddr      gethcommon.Address
	hasOracleKey    bool
	callTimeout     time.Duration
	writeMu         sync.Mutex
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithCallTimeout overrides the per-call context deadline (default 20s
// per spec.md §5's "C1 per ledger call ~20s").
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.callTimeout = d }
}

// NewAdapter builds an Adapter against an already-dialed Ethereum
// client. oraclePrivateKeyHex may be empty — per spec.md §4.1, an
// orchestrator without an oracle key runs read-only and every write
// method returns ErrOracleKeyUnavailable immediately.
func NewAdapter(client *ethereum.Client, contractAddress string, oraclePrivateKeyHex string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		client:       client,
		contractAddr: gethcommon.HexToAddress(contractAddress),
		callTimeout:  20 * time.Second,
	}

	key := strings.TrimPrefix(oraclePrivateKeyHex, "0x")
	if key != "" {
		priv, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("ledger: invalid oracle private key: %w", err)
		}
		pub, ok := priv.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("ledger: oracle key public cast failed")
		}
		a.oracleKeyHex = key
		a.oracleAddr = crypto.PubkeyToAddress(*pub)
		a.hasOracleKey = true
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// OracleAddress returns the address writes will be signed from. Empty
// when the adapter is read-only.
func (a *Adapter) OracleAddress() gethcommon.Address { return a.oracleAddr }

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.callTimeout)
}

// classifyRPCErr reports whether err looks like a transient RPC/network
// fault (worth retrying) as opposed to a contract-level rejection
// (revert, invalid opcode) which is always permanent.
func classifyRPCErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"):
		return false
	case strings.Contains(msg, "execution reverted"):
		return false
	case strings.Contains(msg, "invalid opcode"):
		return false
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "temporarily unavailable"):
		return true
	default:
		// Unknown faults default to transient: a spurious retry is cheap,
		// a missed retry on a flaky RPC node is not (spec.md §7).
		return true
	}
}

// ---- reads ----

// GetRequest fetches the on-ledger record for requestId.
func (a *Adapter) GetRequest(ctx context.Context, requestID uint64) (model.Request, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, a.contractAddr, escrowABI, "getRequest", new(big.Int).SetUint64(requestID))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return model.Request{}, ErrRequestNotFound
		}
		return model.Request{}, fmt.Errorf("ledger: getRequest: %w", err)
	}
	if len(out) < 8 {
		return model.Request{}, fmt.Errorf("ledger: getRequest: unexpected output shape")
	}

	digest := out[5].([32]byte)
	return model.Request{
		ID:            requestID,
		Requester:     out[0].(gethcommon.Address).Hex(),
		AidClass:      model.AidClass(out[1].(uint8)),
		Urgency:       model.Urgency(out[2].(uint8)),
		Location:      model.Coordinate{LatE7: out[3].(int64), LngE7: out[4].(int64)},
		DetailsDigest: "0x" + gethcommon.Bytes2Hex(digest[:]),
		Status:        model.Status(out[6].(uint8)),
		CreatedAt:     time.Unix(int64(out[7].(uint64)), 0),
	}, nil
}

// GetUserRequests lists request ids submitted by addr.
func (a *Adapter) GetUserRequests(ctx context.Context, addr string) ([]uint64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, a.contractAddr, escrowABI, "getUserRequests", gethcommon.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("ledger: getUserRequests: %w", err)
	}
	raw := out[0].([]*big.Int)
	ids := make([]uint64, len(raw))
	for i, v := range raw {
		ids[i] = v.Uint64()
	}
	return ids, nil
}

// GetRequestCount returns the total number of requests ever submitted.
func (a *Adapter) GetRequestCount(ctx context.Context) (uint64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, a.contractAddr, escrowABI, "getRequestCount")
	if err != nil {
		return 0, fmt.Errorf("ledger: getRequestCount: %w", err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

// IsIdentityVerified reports whether addr has a confirmed identity on
// the ledger's access-control layer.
func (a *Adapter) IsIdentityVerified(ctx context.Context, addr string) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, a.contractAddr, escrowABI, "isIdentityVerified", gethcommon.HexToAddress(addr))
	if err != nil {
		return false, fmt.Errorf("ledger: isIdentityVerified: %w", err)
	}
	return out[0].(bool), nil
}

// GetPoolStats returns the fund pool accounting snapshot for GET /api/fund/stats.
func (a *Adapter) GetPoolStats(ctx context.Context) (model.PoolStats, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, a.contractAddr, escrowABI, "getPoolStats")
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("ledger: getPoolStats: %w", err)
	}
	return model.PoolStats{
		Deposited: out[0].(*big.Int).Int64(),
		Escrowed:  out[1].(*big.Int).Int64(),
		PaidOut:   out[2].(*big.Int).Int64(),
		Available: out[3].(*big.Int).Int64(),
	}, nil
}

// GetApprovedFulfillers returns the ledger's approved-fulfiller
// registry. Resolves the Open Question on fulfiller discovery: the
// registry is always ledger-sourced, never hard-coded (SPEC_FULL.md §9).
func (a *Adapter) GetApprovedFulfillers(ctx context.Context) ([]model.ApprovedFulfiller, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, a.contractAddr, escrowABI, "getApprovedFulfillers")
	if err != nil {
		return nil, fmt.Errorf("ledger: getApprovedFulfillers: %w", err)
	}
	addrs := out[0].([]gethcommon.Address)
	classes := out[1].([]uint8)
	if len(addrs) != len(classes) {
		return nil, fmt.Errorf("ledger: getApprovedFulfillers: mismatched array lengths")
	}
	fulfillers := make([]model.ApprovedFulfiller, len(addrs))
	for i := range addrs {
		fulfillers[i] = model.ApprovedFulfiller{Address: addrs[i].Hex(), Class: model.FulfillerClass(classes[i])}
	}
	return fulfillers, nil
}

// ---- writes ----

func (a *Adapter) write(ctx context.Context, op string, method string, params ...interface{}) (WriteResult, error) {
	if !a.hasOracleKey {
		return WriteResult{}, ErrOracleKeyUnavailable
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var result WriteResult
	err := retryTransient(ctx, func() (bool, error) {
		res, err := a.client.SendContractTransaction(ctx, a.contractAddr, escrowABI, a.oracleKeyHex, method, defaultGasLimit, params...)
		if err != nil {
			if !classifyRPCErr(err) {
				return false, &PermanentError{Op: op, Reason: "transaction rejected", Cause: err}
			}
			return true, err
		}
		if !res.Success {
			return false, &PermanentError{Op: op, Reason: "transaction reverted"}
		}
		result = WriteResult{TxHash: res.TransactionHash, BlockNumber: res.BlockNumber}
		return false, nil
	})
	if err != nil {
		if pe, ok := err.(*PermanentError); ok {
			return WriteResult{}, pe
		}
		return WriteResult{}, fmt.Errorf("ledger: %s: %w", op, err)
	}
	return result, nil
}

// SubmitVerification anchors the combined GNSS+event digest at the
// stage-2/3 exit (Open Question (a): the two stages share one write;
// SPEC_FULL.md §9).
func (a *Adapter) SubmitVerification(ctx context.Context, requestID uint64, combinedDigest [32]byte) (WriteResult, error) {
	return a.write(ctx, "SubmitVerification", "submitVerification", new(big.Int).SetUint64(requestID), combinedDigest)
}

// SubmitConsensus anchors the LLM panel's transcript and decision.
func (a *Adapter) SubmitConsensus(ctx context.Context, requestID uint64, t model.ConsensusTranscript, transcriptDigest [32]byte) (WriteResult, error) {
	return a.write(ctx, "SubmitConsensus", "submitConsensus",
		new(big.Int).SetUint64(requestID),
		t.Approved,
		uint8(t.ChosenAidClass),
		uint8(t.ChosenFulfiller),
		big.NewInt(t.ChosenCost),
		big.NewInt(int64(t.NodeCount)),
		big.NewInt(int64(t.ApprovalCount)),
		transcriptDigest,
	)
}

// AssignFulfiller records the dispatched fulfiller's address.
func (a *Adapter) AssignFulfiller(ctx context.Context, requestID uint64, fulfillerAddr string) (WriteResult, error) {
	return a.write(ctx, "AssignFulfiller", "assignFulfiller", new(big.Int).SetUint64(requestID), gethcommon.HexToAddress(fulfillerAddr))
}

// VerifyDelivery anchors the delivery verification outcome.
func (a *Adapter) VerifyDelivery(ctx context.Context, requestID uint64, verified bool, proofDigest [32]byte) (WriteResult, error) {
	return a.write(ctx, "VerifyDelivery", "verifyDelivery", new(big.Int).SetUint64(requestID), verified, proofDigest)
}

// ReleasePayout triggers final settlement of escrowed funds.
func (a *Adapter) ReleasePayout(ctx context.Context, requestID uint64) (WriteResult, error) {
	return a.write(ctx, "ReleasePayout", "releasePayout", new(big.Int).SetUint64(requestID))
}

// TimeoutRequest marks a request as timed out (24h delivery deadline
// exceeded, spec.md §5).
func (a *Adapter) TimeoutRequest(ctx context.Context, requestID uint64) (WriteResult, error) {
	return a.write(ctx, "TimeoutRequest", "timeoutRequest", new(big.Int).SetUint64(requestID))
}

// Health delegates to the underlying client.
func (a *Adapter) Health(ctx context.Context) error {
	return a.client.Health(ctx)
}
