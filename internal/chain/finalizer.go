package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/streamchannel/sequencer/internal/chaincrypto"
	"github.com/streamchannel/sequencer/internal/domain"
)

// gasLimitFinalClose is a conservative fixed gas limit for
// finalCloseBySequencer, avoiding an extra eth_estimateGas round trip on the
// settlement path. Grounded in the pack's fixed-gas-limit transfer pattern
// (kshinn-umbra-gateway's local_facilitator.go hardcodes a gas limit rather
// than estimating for its single known call shape).
const gasLimitFinalClose = 300_000

// Finalizer submits finalCloseBySequencer as an EIP-1559 dynamic-fee
// transaction, signed by signer (either a LocalSigner or a KMSSigner).
// Grounded in kshinn-umbra-gateway's local_facilitator.go Settle: dial,
// fetch nonce/basefee, build types.DynamicFeeTx, sign, send, wait for
// confirmation.
type Finalizer struct {
	client   *ethclient.Client
	contract common.Address
	chainID  *big.Int
	signer   chaincrypto.Signer
	provider *Provider
}

// NewFinalizer builds a Finalizer submitting transactions to contract over
// rpcURL, signed by signer.
func NewFinalizer(ctx context.Context, rpcURL string, contract domain.Address, chainID *big.Int, signer chaincrypto.Signer) (*Finalizer, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	provider, err := NewProvider(ctx, rpcURL, contract)
	if err != nil {
		return nil, err
	}
	return &Finalizer{
		client:   client,
		contract: common.BytesToAddress(contract[:]),
		chainID:  chainID,
		signer:   signer,
		provider: provider,
	}, nil
}

// Close releases the underlying RPC connections.
func (f *Finalizer) Close() {
	f.client.Close()
	f.provider.Close()
}

// FinalCloseBySequencer implements voucher.ChainFinalizer. It packs the
// final-close call, builds a London (EIP-1559) transaction, signs it with
// the sequencer's co-signing key, submits it, and waits for one
// confirmation before returning the transaction hash (spec §4.4 finalize).
func (f *Finalizer) FinalCloseBySequencer(
	ctx context.Context,
	channelID domain.Hash32,
	sequenceNumber uint64,
	signatureTimestamp uint64,
	recipients []domain.Address,
	amounts []*big.Int,
	userSignature string,
) (string, error) {
	userSigBytes, err := decodeHexSignature(userSignature)
	if err != nil {
		return "", fmt.Errorf("%w: decode user signature: %v", domain.ErrInternal, err)
	}

	recipientAddrs := make([]common.Address, len(recipients))
	for i, r := range recipients {
		recipientAddrs[i] = common.BytesToAddress(r[:])
	}

	data, err := f.provider.abi.Pack(
		"finalCloseBySequencer",
		[32]byte(channelID),
		new(big.Int).SetUint64(sequenceNumber),
		new(big.Int).SetUint64(signatureTimestamp),
		recipientAddrs,
		amounts,
		userSigBytes,
	)
	if err != nil {
		return "", fmt.Errorf("%w: pack finalCloseBySequencer: %v", domain.ErrInternal, err)
	}

	signerAddr := f.signer.Address()
	fromAddr := common.BytesToAddress(signerAddr[:])

	nonce, err := f.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return "", fmt.Errorf("%w: fetch nonce: %v", domain.ErrContractCall, err)
	}

	head, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: fetch head header: %v", domain.ErrContractCall, err)
	}
	tip, err := f.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: suggest tip cap: %v", domain.ErrContractCall, err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	unsignedTx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimitFinalClose,
		To:        &f.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signedTx, err := f.signTx(ctx, unsignedTx)
	if err != nil {
		return "", err
	}

	if err := f.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: send transaction: %v", domain.ErrContractCall, err)
	}

	if err := f.waitMined(ctx, signedTx.Hash()); err != nil {
		return "", err
	}

	return signedTx.Hash().Hex(), nil
}

// signTx computes the London signing hash and delegates to the configured
// chaincrypto.Signer, which may sign locally or via AWS KMS. The signer's
// r||s||v signature (v in {27,28}) is re-expressed as the {0,1} parity
// go-ethereum's DynamicFeeTx signer expects before being attached to the
// transaction.
func (f *Finalizer) signTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.NewLondonSigner(f.chainID)
	var digest [32]byte
	copy(digest[:], signer.Hash(tx).Bytes())

	sigHex, err := f.signer.Sign(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: sign transaction: %v", domain.ErrInternal, err)
	}
	sig, err := decodeHexSignature(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode transaction signature: %v", domain.ErrInternal, err)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: attach transaction signature: %v", domain.ErrInternal, err)
	}
	return signedTx, nil
}

// waitMined polls for the transaction's receipt, mirroring
// bind.WaitMined's retry loop (grounded in local_facilitator.go's
// confirmation wait) without pulling in the full bind package.
func (f *Finalizer) waitMined(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := f.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: finalCloseBySequencer reverted (tx %s)", domain.ErrContractCall, txHash.Hex())
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for receipt: %v", domain.ErrContractCall, ctx.Err())
		case <-ticker.C:
		}
	}
}

func decodeHexSignature(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0X"), "0x"))
}

// PerCallFinalizer builds a fresh Finalizer (and its own RPC connections)
// for every FinalCloseBySequencer call, matching the resource model of
// spec §5 — "the signing provider is constructed per finalize call
// (acceptable due to low finalize frequency)" — rather than holding
// long-lived connections for an operation that happens rarely.
type PerCallFinalizer struct {
	rpcURL   string
	contract domain.Address
	chainID  *big.Int
	signer   chaincrypto.Signer
}

// NewPerCallFinalizer builds a PerCallFinalizer. It implements
// voucher.ChainFinalizer.
func NewPerCallFinalizer(rpcURL string, contract domain.Address, chainID *big.Int, signer chaincrypto.Signer) *PerCallFinalizer {
	return &PerCallFinalizer{rpcURL: rpcURL, contract: contract, chainID: chainID, signer: signer}
}

func (p *PerCallFinalizer) FinalCloseBySequencer(
	ctx context.Context,
	channelID domain.Hash32,
	sequenceNumber uint64,
	signatureTimestamp uint64,
	recipients []domain.Address,
	amounts []*big.Int,
	userSignature string,
) (string, error) {
	f, err := NewFinalizer(ctx, p.rpcURL, p.contract, p.chainID, p.signer)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return f.FinalCloseBySequencer(ctx, channelID, sequenceNumber, signatureTimestamp, recipients, amounts, userSignature)
}
