// Package config loads protocol instance definitions from a YAML file.
//
// A file lists every monitored instance:
//
//	protocols:
//	  - name: venus
//	    kind: venus
//	    network: BSC
//	    comptroller: "0xfD36E2c2a6789Db23113685031d7F16329158384"
//	    deployBlock: 2471512
//	    cutoverBlock: 35490444
//	    nativeMarkets: ["0xA07c5b74C9B40447a954e1466938b865b6BBea36"]
//	    weth: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
//	    prices:
//	      - asset: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
//	        kind: coingecko
//	        coinId: binancecoin
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Kind selects the protocol strategy.
type Kind string

const (
	KindCompound Kind = "compound"
	KindVenus    Kind = "venus"
	KindIonic    Kind = "ionic"
	KindIronBank Kind = "ironbank"
	KindAave3    Kind = "aave3"
	KindAave2    Kind = "aave2"
	KindMorpho   Kind = "morphoblue"
)

// Special price resolver kinds.
const (
	PriceExchangeRate = "exchangeRate"
	PriceUniV2LP      = "uniV2LP"
	PriceChainlink    = "chainlink"
	PriceCoinGecko    = "coingecko"
	PriceAlias        = "alias"
	PriceFixed        = "fixed"
	PriceZapper       = "zapper"
)

// MulticallDirect selects JSON-RPC batches instead of a Multicall3 contract.
const MulticallDirect = "direct"

// File is the root of a protocol definition file.
type File struct {
	Protocols []Protocol `yaml:"protocols"`
}

// Protocol defines one monitored instance.
type Protocol struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"kind"`
	Network string `yaml:"network"`

	// Compound family.
	Comptroller          string   `yaml:"comptroller"`
	NativeMarkets        []string `yaml:"nativeMarkets"`
	WETH                 string   `yaml:"weth"`
	VAI                  string   `yaml:"vai"`
	RektMarkets          []string `yaml:"rektMarkets"`
	NonBorrowableMarkets []string `yaml:"nonBorrowableMarkets"`

	// Aave v2 and v3. Pool wins over AddressesProvider when both are set.
	// Aave v2 also needs WETH, the asset its ETH-denominated totals are
	// priced by.
	Pool              string `yaml:"pool"`
	AddressesProvider string `yaml:"addressesProvider"`

	// Morpho Blue. Every market in the vaults' withdraw queues is monitored.
	Morpho string   `yaml:"morpho"`
	Vaults []string `yaml:"vaults"`

	DeployBlock  uint64 `yaml:"deployBlock"`
	CutoverBlock uint64 `yaml:"cutoverBlock"`

	// Multicall is the Multicall3 address, or "direct" to send plain eth_call
	// batches on networks without one. Empty uses the canonical deployment.
	Multicall string `yaml:"multicall"`

	// Read tuning. Zero values take the component defaults.
	BlockStep       uint64        `yaml:"blockStep"`
	BatchSize       int           `yaml:"batchSize"`
	Parallelism     int           `yaml:"parallelism"`
	InterBatchDelay time.Duration `yaml:"interBatchDelay"`

	// Scheduling. Zero values take the runner defaults.
	Interval      time.Duration `yaml:"interval"`
	HeavyInterval time.Duration `yaml:"heavyInterval"`

	Prices []SpecialPrice `yaml:"prices"`
	Rules  []Rule         `yaml:"rules"`
}

// SpecialPrice configures a special-case resolver for one asset. Only the
// fields of the chosen kind are read.
type SpecialPrice struct {
	Asset   string `yaml:"asset"`
	Network string `yaml:"network"`
	Kind    string `yaml:"kind"`

	// exchangeRate and zapper
	Underlying string `yaml:"underlying"`
	// exchangeRate: read when Underlying is empty, default "token()".
	UnderlyingSignature string `yaml:"underlyingSignature"`

	// chainlink
	Feed string `yaml:"feed"`

	// coingecko
	CoinID string `yaml:"coinId"`

	// alias
	Target        string `yaml:"target"`
	TargetNetwork string `yaml:"targetNetwork"`

	// fixed
	Price string `yaml:"price"`
}

// Rule values collateral an account holds outside the protocol.
type Rule struct {
	Account      string            `yaml:"account"`
	TokenBalance *TokenBalanceRule `yaml:"tokenBalance"`
	Portfolio    *PortfolioRule    `yaml:"portfolio"`
}

type TokenBalanceRule struct {
	Token  string `yaml:"token"`
	Holder string `yaml:"holder"`
}

type PortfolioRule struct {
	Address        string `yaml:"address"`
	SubtractDebtOf string `yaml:"subtractDebtOf"`
}

// Load reads and validates a protocol definition file. Unknown keys are
// rejected.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading protocol file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a protocol definition document.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing protocol file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every protocol and rejects duplicate names.
func (f *File) Validate() error {
	if len(f.Protocols) == 0 {
		return errors.New("protocol file defines no protocols")
	}
	seen := make(map[string]struct{}, len(f.Protocols))
	for i := range f.Protocols {
		p := &f.Protocols[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("protocol %d (%s): %w", i, p.Name, err)
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("duplicate protocol name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Find returns the protocol named name.
func (f *File) Find(name string) (Protocol, error) {
	for _, p := range f.Protocols {
		if p.Name == name {
			return p, nil
		}
	}
	return Protocol{}, fmt.Errorf("protocol %q not found in file", name)
}

// Names returns the protocol names in file order.
func (f *File) Names() []string {
	out := make([]string, len(f.Protocols))
	for i, p := range f.Protocols {
		out[i] = p.Name
	}
	return out
}

// Validate checks the fields required by the protocol kind and that every
// address is well formed.
func (p *Protocol) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Network == "" {
		return errors.New("network is required")
	}
	if p.BatchSize < 0 || p.Parallelism < 0 || p.InterBatchDelay < 0 || p.Interval < 0 || p.HeavyInterval < 0 {
		return errors.New("tuning values must not be negative")
	}

	switch p.Kind {
	case KindCompound, KindVenus, KindIonic, KindIronBank:
		if err := requireAddress("comptroller", p.Comptroller); err != nil {
			return err
		}
	case KindAave2, KindAave3:
		if p.Pool == "" && p.AddressesProvider == "" {
			return fmt.Errorf("%s needs pool or addressesProvider", p.Kind)
		}
	case KindMorpho:
		if err := requireAddress("morpho", p.Morpho); err != nil {
			return err
		}
		if len(p.Vaults) == 0 {
			return errors.New("morphoblue needs at least one vault")
		}
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}

	if p.Kind == KindVenus && p.CutoverBlock == 0 {
		return errors.New("venus needs cutoverBlock")
	}
	if p.Kind != KindVenus && p.CutoverBlock != 0 {
		return fmt.Errorf("cutoverBlock is only supported for %s", KindVenus)
	}
	if (p.Kind == KindIonic || p.Kind == KindAave2) && p.WETH == "" {
		return fmt.Errorf("%s needs weth", p.Kind)
	}
	if p.Kind != KindIronBank && len(p.Rules) > 0 {
		return fmt.Errorf("rules are only supported for %s", KindIronBank)
	}

	singles := map[string]string{
		"pool":              p.Pool,
		"addressesProvider": p.AddressesProvider,
		"weth":              p.WETH,
		"vai":               p.VAI,
	}
	if p.Multicall != MulticallDirect {
		singles["multicall"] = p.Multicall
	}
	for field, v := range singles {
		if err := optionalAddress(field, v); err != nil {
			return err
		}
	}
	lists := map[string][]string{
		"nativeMarkets":        p.NativeMarkets,
		"rektMarkets":          p.RektMarkets,
		"nonBorrowableMarkets": p.NonBorrowableMarkets,
		"vaults":               p.Vaults,
	}
	for field, vs := range lists {
		for _, v := range vs {
			if err := requireAddress(field, v); err != nil {
				return err
			}
		}
	}

	for i, sp := range p.Prices {
		if err := sp.Validate(); err != nil {
			return fmt.Errorf("prices[%d]: %w", i, err)
		}
	}
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks the fields required by the resolver kind.
func (s SpecialPrice) Validate() error {
	if err := requireAddress("asset", s.Asset); err != nil {
		return err
	}
	switch s.Kind {
	case PriceExchangeRate:
		return optionalAddress("underlying", s.Underlying)
	case PriceUniV2LP:
		return nil
	case PriceChainlink:
		return requireAddress("feed", s.Feed)
	case PriceCoinGecko:
		if s.CoinID == "" {
			return errors.New("coingecko needs coinId")
		}
		return nil
	case PriceAlias:
		return requireAddress("target", s.Target)
	case PriceFixed:
		d, err := decimal.NewFromString(s.Price)
		if err != nil {
			return fmt.Errorf("invalid fixed price %q: %w", s.Price, err)
		}
		if !d.IsPositive() {
			return fmt.Errorf("fixed price must be positive, got %s", s.Price)
		}
		return nil
	case PriceZapper:
		return requireAddress("underlying", s.Underlying)
	}
	return fmt.Errorf("unknown price kind %q", s.Kind)
}

// Validate checks that exactly one rule kind is set.
func (r Rule) Validate() error {
	if err := requireAddress("account", r.Account); err != nil {
		return err
	}
	switch {
	case r.TokenBalance != nil && r.Portfolio != nil:
		return errors.New("rule sets both tokenBalance and portfolio")
	case r.TokenBalance != nil:
		if err := requireAddress("token", r.TokenBalance.Token); err != nil {
			return err
		}
		return requireAddress("holder", r.TokenBalance.Holder)
	case r.Portfolio != nil:
		if err := requireAddress("address", r.Portfolio.Address); err != nil {
			return err
		}
		return optionalAddress("subtractDebtOf", r.Portfolio.SubtractDebtOf)
	}
	return errors.New("rule sets neither tokenBalance nor portfolio")
}

// Address parses a validated address field. Empty yields the zero address.
func Address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// Addresses parses a validated address list.
func Addresses(ss []string) []common.Address {
	out := make([]common.Address, len(ss))
	for i, s := range ss {
		out[i] = common.HexToAddress(s)
	}
	return out
}

func requireAddress(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	return optionalAddress(field, v)
}

func optionalAddress(field, v string) error {
	if v != "" && !common.IsHexAddress(v) {
		return fmt.Errorf("invalid %s address %q", field, v)
	}
	return nil
}
