// Package chain wires the sequencer to the on-chain StreamChannel contract:
// a read-only provider for sequencer()/getUserChannelLength/userChannels
// (spec §4.5, §6) and a per-finalize signing provider that submits
// finalCloseBySequencer (spec §4.4 finalize). Grounded in the pack's evm
// provider pattern (abi.Pack/CallContract/UnpackIntoInterface) and
// kshinn-umbra-gateway's local_facilitator.go (manual tx construction,
// EIP-1559 dynamic fee, bind.WaitMined-style confirmation).
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/streamchannel/sequencer/internal/domain"
)

// channelManagerABI is the minimal ABI surface spec §6 names: three
// read-only view functions and the one state-changing sequencer entry
// point.
const channelManagerABI = `[
  {"inputs":[],"name":"sequencer","outputs":[{"type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"type":"address"}],"name":"getUserChannelLength","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"type":"address"},{"type":"uint256"}],"name":"userChannels","outputs":[{"type":"bytes32"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"type":"bytes32"},{"type":"uint256"},{"type":"uint256"},{"type":"address[]"},{"type":"uint256[]"},{"type":"bytes"}],"name":"finalCloseBySequencer","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Provider is the read-only on-chain collaborator.
type Provider struct {
	client   *ethclient.Client
	contract common.Address
	abi      ethabi.ABI
}

// NewProvider dials rpcURL and parses the contract ABI.
func NewProvider(ctx context.Context, rpcURL string, contract domain.Address) (*Provider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	parsed, err := ethabi.JSON(strings.NewReader(channelManagerABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	return &Provider{client: client, contract: common.BytesToAddress(contract[:]), abi: parsed}, nil
}

// Close releases the underlying RPC connection.
func (p *Provider) Close() { p.client.Close() }

// SequencerAddress queries the contract's configured sequencer() address.
// cmd/sequencer refuses to start if this doesn't match the configured
// signing key (spec §4.5).
func (p *Provider) SequencerAddress(ctx context.Context) (domain.Address, error) {
	out, err := p.call(ctx, "sequencer")
	if err != nil {
		return domain.Address{}, err
	}
	var addr common.Address
	if err := p.abi.UnpackIntoInterface(&addr, "sequencer", out); err != nil {
		return domain.Address{}, fmt.Errorf("chain: unpack sequencer(): %w", err)
	}
	return domain.ParseAddress(addr.Hex())
}

// maxConcurrentChannelLookups bounds how many userChannels(owner, i) calls
// Provider fires in parallel, so a long-lived owner doesn't open hundreds of
// concurrent RPC requests against the node.
const maxConcurrentChannelLookups = 8

// UserChannelIDs returns every channel id the contract has recorded for
// owner (spec §6 GET /channels/by-owner/{owner}), via
// getUserChannelLength + userChannels(owner, i). The per-index lookups are
// independent reads, so they run concurrently through an errgroup bounded
// by maxConcurrentChannelLookups.
func (p *Provider) UserChannelIDs(ctx context.Context, owner domain.Address) ([]string, error) {
	ownerAddr := common.BytesToAddress(owner[:])

	lenOut, err := p.call(ctx, "getUserChannelLength", ownerAddr)
	if err != nil {
		return nil, err
	}
	var length *big.Int
	if err := p.abi.UnpackIntoInterface(&length, "getUserChannelLength", lenOut); err != nil {
		return nil, fmt.Errorf("chain: unpack getUserChannelLength: %w", err)
	}

	ids := make([]string, length.Int64())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChannelLookups)

	for i := int64(0); i < length.Int64(); i++ {
		i := i
		g.Go(func() error {
			out, err := p.call(gctx, "userChannels", ownerAddr, big.NewInt(i))
			if err != nil {
				return err
			}
			var id [32]byte
			if err := p.abi.UnpackIntoInterface(&id, "userChannels", out); err != nil {
				return fmt.Errorf("chain: unpack userChannels(%d): %w", i, err)
			}
			ids[i] = domain.Hash32(id).String()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *Provider) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := p.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &p.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", domain.ErrContractCall, method, err)
	}
	return out, nil
}
