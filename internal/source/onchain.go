package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const secondsPerYear = 365 * 24 * 60 * 60

const (
	aaveDataProviderABIJSON = `[
{"inputs":[{"internalType":"address","name":"asset","type":"address"}],"name":"getReserveData","outputs":[{"internalType":"uint256","name":"unbacked","type":"uint256"},{"internalType":"uint256","name":"accruedToTreasuryScaled","type":"uint256"},{"internalType":"uint256","name":"totalAToken","type":"uint256"},{"internalType":"uint256","name":"totalStableDebt","type":"uint256"},{"internalType":"uint256","name":"totalVariableDebt","type":"uint256"},{"internalType":"uint256","name":"liquidityRate","type":"uint256"},{"internalType":"uint256","name":"variableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"stableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"averageStableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"liquidityIndex","type":"uint256"},{"internalType":"uint256","name":"variableBorrowIndex","type":"uint256"},{"internalType":"uint40","name":"lastUpdateTimestamp","type":"uint40"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"asset","type":"address"},{"internalType":"address","name":"user","type":"address"}],"name":"getUserReserveData","outputs":[{"internalType":"uint256","name":"currentATokenBalance","type":"uint256"},{"internalType":"uint256","name":"currentStableDebt","type":"uint256"},{"internalType":"uint256","name":"currentVariableDebt","type":"uint256"},{"internalType":"uint256","name":"principalStableDebt","type":"uint256"},{"internalType":"uint256","name":"scaledVariableDebt","type":"uint256"},{"internalType":"uint256","name":"stableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"liquidityRate","type":"uint256"},{"internalType":"uint40","name":"stableRateLastUpdated","type":"uint40"},{"internalType":"bool","name":"usageAsCollateralEnabled","type":"bool"}],"stateMutability":"view","type":"function"}
]`

	cometABIJSON = `[
{"inputs":[],"name":"getUtilization","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"utilization","type":"uint256"}],"name":"getSupplyRate","outputs":[{"internalType":"uint64","name":"","type":"uint64"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	mTokenABIJSON = `[
{"inputs":[],"name":"supplyRatePerTimestamp","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"exchangeRateStored","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	erc4626ABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aaveDataProviderABI abi.ABI
	cometABI            abi.ABI
	mTokenABI           abi.ABI
	erc4626ABI          abi.ABI

	wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func init() {
	aaveDataProviderABI = mustParseABI("aave data provider", aaveDataProviderABIJSON)
	cometABI = mustParseABI("comet", cometABIJSON)
	mTokenABI = mustParseABI("mtoken", mTokenABIJSON)
	erc4626ABI = mustParseABI("erc4626", erc4626ABIJSON)
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// ErrWarmingUp is returned by readers that need more than one observation
// before they can report a rate.
var ErrWarmingUp = errors.New("source: rate not yet derivable, need another observation")

// Protocol is the closed set of supported lending integrations. The
// unexported method keeps implementations inside this package.
type Protocol interface {
	Kind() Kind
	read(ctx context.Context, caller ethereum.ContractCaller, holder common.Address) (Reading, error)
}

// Config describes one on-chain source.
type Config struct {
	Kind     Kind
	Contract common.Address
	Asset    common.Address
}

// NewProtocol maps a configured kind onto its implementation.
func NewProtocol(cfg Config) (Protocol, error) {
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%s: contract address required", cfg.Kind)
	}
	switch cfg.Kind {
	case KindAaveV3:
		if cfg.Asset == (common.Address{}) {
			return nil, fmt.Errorf("%s: asset address required", cfg.Kind)
		}
		return &AaveV3{DataProvider: cfg.Contract, Asset: cfg.Asset}, nil
	case KindCompoundV3:
		return &CompoundV3{Comet: cfg.Contract}, nil
	case KindMoonwell:
		return &Moonwell{MToken: cfg.Contract}, nil
	case KindMorphoVault:
		return &MorphoVault{Vault: cfg.Contract}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// AaveV3 reads the reserve liquidity rate (ray, annualised) and the aToken balance.
type AaveV3 struct {
	DataProvider common.Address
	Asset        common.Address
}

func (a *AaveV3) Kind() Kind { return KindAaveV3 }

func (a *AaveV3) read(ctx context.Context, caller ethereum.ContractCaller, holder common.Address) (Reading, error) {
	reserve, err := call(ctx, caller, aaveDataProviderABI, a.DataProvider, "getReserveData", a.Asset)
	if err != nil {
		return Reading{}, err
	}
	liquidityRate, err := bigAt(reserve, 5)
	if err != nil {
		return Reading{}, err
	}
	user, err := call(ctx, caller, aaveDataProviderABI, a.DataProvider, "getUserReserveData", a.Asset, holder)
	if err != nil {
		return Reading{}, err
	}
	balance, err := bigAt(user, 0)
	if err != nil {
		return Reading{}, err
	}
	return newReading(decimal.NewFromBigInt(liquidityRate, -27), balance)
}

// CompoundV3 reads Comet's per-second supply rate at current utilization.
type CompoundV3 struct {
	Comet common.Address
}

func (c *CompoundV3) Kind() Kind { return KindCompoundV3 }

func (c *CompoundV3) read(ctx context.Context, caller ethereum.ContractCaller, holder common.Address) (Reading, error) {
	util, err := call(ctx, caller, cometABI, c.Comet, "getUtilization")
	if err != nil {
		return Reading{}, err
	}
	utilization, err := bigAt(util, 0)
	if err != nil {
		return Reading{}, err
	}
	rate, err := call(ctx, caller, cometABI, c.Comet, "getSupplyRate", utilization)
	if err != nil {
		return Reading{}, err
	}
	perSecond, err := bigAt(rate, 0)
	if err != nil {
		return Reading{}, err
	}
	bal, err := call(ctx, caller, cometABI, c.Comet, "balanceOf", holder)
	if err != nil {
		return Reading{}, err
	}
	balance, err := bigAt(bal, 0)
	if err != nil {
		return Reading{}, err
	}
	return newReading(annualise(perSecond), balance)
}

// Moonwell reads a Compound-v2 style market that quotes rates per second.
type Moonwell struct {
	MToken common.Address
}

func (m *Moonwell) Kind() Kind { return KindMoonwell }

func (m *Moonwell) read(ctx context.Context, caller ethereum.ContractCaller, holder common.Address) (Reading, error) {
	rate, err := call(ctx, caller, mTokenABI, m.MToken, "supplyRatePerTimestamp")
	if err != nil {
		return Reading{}, err
	}
	perSecond, err := bigAt(rate, 0)
	if err != nil {
		return Reading{}, err
	}
	xr, err := call(ctx, caller, mTokenABI, m.MToken, "exchangeRateStored")
	if err != nil {
		return Reading{}, err
	}
	exchangeRate, err := bigAt(xr, 0)
	if err != nil {
		return Reading{}, err
	}
	bal, err := call(ctx, caller, mTokenABI, m.MToken, "balanceOf", holder)
	if err != nil {
		return Reading{}, err
	}
	mTokens, err := bigAt(bal, 0)
	if err != nil {
		return Reading{}, err
	}
	underlying := new(big.Int).Mul(mTokens, exchangeRate)
	underlying.Quo(underlying, wad)
	return newReading(annualise(perSecond), underlying)
}

// MorphoVault derives an annualised rate from share price growth between
// consecutive observations of an ERC-4626 vault.
type MorphoVault struct {
	Vault common.Address

	// MinObservationGap is the shortest interval used to annualise growth.
	MinObservationGap time.Duration

	mu       sync.Mutex
	now      func() time.Time
	lastAt   time.Time
	lastPPS  decimal.Decimal
	lastRate *decimal.Decimal
}

func (m *MorphoVault) Kind() Kind { return KindMorphoVault }

func (m *MorphoVault) read(ctx context.Context, caller ethereum.ContractCaller, holder common.Address) (Reading, error) {
	pps, err := call(ctx, caller, erc4626ABI, m.Vault, "convertToAssets", new(big.Int).Set(wad))
	if err != nil {
		return Reading{}, err
	}
	assetsPerShare, err := bigAt(pps, 0)
	if err != nil {
		return Reading{}, err
	}
	bal, err := call(ctx, caller, erc4626ABI, m.Vault, "balanceOf", holder)
	if err != nil {
		return Reading{}, err
	}
	shares, err := bigAt(bal, 0)
	if err != nil {
		return Reading{}, err
	}
	assets, err := call(ctx, caller, erc4626ABI, m.Vault, "convertToAssets", shares)
	if err != nil {
		return Reading{}, err
	}
	balance, err := bigAt(assets, 0)
	if err != nil {
		return Reading{}, err
	}

	rate, err := m.observe(decimal.NewFromBigInt(assetsPerShare, 0))
	if err != nil {
		return Reading{}, err
	}
	return newReading(rate, balance)
}

func (m *MorphoVault) observe(pps decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.now != nil {
		now = m.now()
	}
	gap := m.MinObservationGap
	if gap <= 0 {
		gap = time.Minute
	}

	if m.lastAt.IsZero() || m.lastPPS.IsZero() {
		m.lastAt, m.lastPPS = now, pps
		return decimal.Zero, ErrWarmingUp
	}
	elapsed := now.Sub(m.lastAt)
	if elapsed < gap {
		if m.lastRate != nil {
			return *m.lastRate, nil
		}
		return decimal.Zero, ErrWarmingUp
	}

	growth := pps.Div(m.lastPPS).Sub(decimal.NewFromInt(1))
	periods := decimal.NewFromInt(secondsPerYear).Div(decimal.NewFromFloat(elapsed.Seconds()))
	rate := growth.Mul(periods)
	m.lastAt, m.lastPPS, m.lastRate = now, pps, &rate
	return rate, nil
}

// OnChain adapts a Protocol into a Reader bound to an RPC caller.
type OnChain struct {
	protocol Protocol
	caller   ethereum.ContractCaller
	timeout  time.Duration
}

// NewOnChain binds a protocol to a contract caller.
func NewOnChain(protocol Protocol, caller ethereum.ContractCaller, timeout time.Duration) *OnChain {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OnChain{protocol: protocol, caller: caller, timeout: timeout}
}

// Read performs the protocol's view calls under the configured timeout.
func (o *OnChain) Read(ctx context.Context, holder common.Address) (Reading, error) {
	if o.caller == nil {
		return Reading{}, errors.New("ethereum rpc caller not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	reading, err := o.protocol.read(ctx, o.caller, holder)
	if err != nil {
		return Reading{}, fmt.Errorf("%s read: %w", o.protocol.Kind(), err)
	}
	return reading, nil
}

// LazyClient dials the RPC endpoint on first use and shares the connection.
type LazyClient struct {
	rpcURL string
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
}

// NewLazyClient prepares a client for rpcURL without dialing.
func NewLazyClient(rpcURL string, logger zerolog.Logger) *LazyClient {
	return &LazyClient{rpcURL: rpcURL, logger: logger.With().Str("component", "eth_client").Logger()}
}

// CallContract implements ethereum.ContractCaller.
func (l *LazyClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client, err := l.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, blockNumber)
}

// Close releases the underlying connection if one was opened.
func (l *LazyClient) Close() {
	l.clientMux.Lock()
	defer l.clientMux.Unlock()
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}

func (l *LazyClient) getClient(ctx context.Context) (*ethclient.Client, error) {
	l.clientMux.Lock()
	defer l.clientMux.Unlock()

	if l.client != nil {
		return l.client, nil
	}
	if l.rpcURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, l.rpcURL)
	if err != nil {
		return nil, err
	}
	l.logger.Debug().Msg("dialed ethereum rpc")
	l.client = client
	return client, nil
}

func call(ctx context.Context, caller ethereum.ContractCaller, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := contractABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func bigAt(outputs []interface{}, idx int) (*big.Int, error) {
	if idx >= len(outputs) {
		return nil, fmt.Errorf("unexpected output count %d", len(outputs))
	}
	switch v := outputs[idx].(type) {
	case *big.Int:
		return v, nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	default:
		return nil, fmt.Errorf("unexpected output type %T", outputs[idx])
	}
}

func annualise(perSecond *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(perSecond, -18).Mul(decimal.NewFromInt(secondsPerYear))
}

func newReading(rate decimal.Decimal, balance *big.Int) (Reading, error) {
	if balance.Sign() < 0 {
		return Reading{}, errors.New("negative balance")
	}
	held, overflow := uint256.FromBig(balance)
	if overflow {
		return Reading{}, errors.New("balance overflows uint256")
	}
	return Reading{Rate: rate, Balance: *held}, nil
}

var (
	_ Reader                  = (*OnChain)(nil)
	_ ethereum.ContractCaller = (*LazyClient)(nil)
	_ Protocol                = (*AaveV3)(nil)
	_ Protocol                = (*CompoundV3)(nil)
	_ Protocol                = (*Moonwell)(nil)
	_ Protocol                = (*MorphoVault)(nil)
)
