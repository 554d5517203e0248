package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/money"
)

const aggregatorABIJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "latestRoundData", "outputs": [
    {"name": "roundId", "type": "uint80"},
    {"name": "answer", "type": "int256"},
    {"name": "startedAt", "type": "uint256"},
    {"name": "updatedAt", "type": "uint256"},
    {"name": "answeredInRound", "type": "uint80"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	aggregatorABI     abi.ABI
	aggregatorABIOnce sync.Once
	aggregatorABIErr  error
)

// AggregatorABI returns the parsed Chainlink aggregator interface.
func AggregatorABI() (abi.ABI, error) {
	aggregatorABIOnce.Do(func() {
		aggregatorABI, aggregatorABIErr = abi.JSON(strings.NewReader(aggregatorABIJSON))
	})
	return aggregatorABI, aggregatorABIErr
}

// ContractCaller is the subset of ethclient.Client the source needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Feed describes one aggregator contract.
type Feed struct {
	Aggregator common.Address
	Decimals   uint8
}

// ChainlinkSource reads latestRoundData from per-asset aggregators and
// rescales the answer to 8 decimals.
type ChainlinkSource struct {
	client ContractCaller
	feeds  map[common.Address]Feed
	maxAge time.Duration
	now    func() time.Time
}

// NewChainlinkSource creates a source over client. A zero maxAge disables
// the staleness check.
func NewChainlinkSource(client ContractCaller, feeds map[common.Address]Feed, maxAge time.Duration) *ChainlinkSource {
	return &ChainlinkSource{
		client: client,
		feeds:  feeds,
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (s *ChainlinkSource) Price(ctx context.Context, asset common.Address) (decimal.Decimal, error) {
	feed, ok := s.feeds[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no aggregator for %s", ErrNoPrice, asset.Hex())
	}
	aggABI, err := AggregatorABI()
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse aggregator abi: %w", err)
	}
	data, err := aggABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack latestRoundData: %w", err)
	}
	resp, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &feed.Aggregator, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call latestRoundData: %w", err)
	}
	values, err := aggABI.Unpack("latestRoundData", resp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	if len(values) != 5 {
		return decimal.Zero, fmt.Errorf("unpack latestRoundData: got %d values", len(values))
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("latestRoundData answer has type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("latestRoundData updatedAt has type %T", values[3])
	}
	if s.maxAge > 0 {
		age := s.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > s.maxAge {
			return decimal.Zero, fmt.Errorf("%w: %s updated %s ago", ErrStalePrice, asset.Hex(), age.Truncate(time.Second))
		}
	}

	price := decimal.NewFromBigInt(answer, 0)
	shift := money.PriceDecimals - int32(feed.Decimals)
	switch {
	case shift > 0:
		price = price.Mul(money.Pow10(shift))
	case shift < 0:
		price = money.MulDiv(price, decimal.NewFromInt(1), money.Pow10(-shift))
	}
	return price, nil
}
