package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"verto/crypto"
)

// GenesisSpec describes the initial ledger: funded accounts, the EscrowStore
// deployer and the dispute treasury.
type GenesisSpec struct {
	GenesisTime         string            `json:"genesisTime"`
	ChainID             *uint64           `json:"chainId,omitempty"`
	Deployer            string            `json:"deployer"`
	Treasury            string            `json:"treasury"`
	ReviewPeriodSeconds uint64            `json:"reviewPeriodSeconds,omitempty"`
	Alloc               map[string]string `json:"alloc"`

	genesisTimestamp time.Time
	deployer         [20]byte
	treasury         [20]byte
	alloc            []Allocation
}

// Allocation is one validated genesis balance.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// LoadGenesisSpec reads and validates a JSON genesis file.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// DevSpec builds a single-operator genesis where key deploys the store,
// arbitrates disputes and holds the initial supply.
func DevSpec(operator [20]byte, supply *big.Int, chainID uint64) *GenesisSpec {
	addr := crypto.FormatAddress(operator)
	spec := &GenesisSpec{
		GenesisTime: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		ChainID:     &chainID,
		Deployer:    addr,
		Treasury:    addr,
		Alloc:       map[string]string{addr: supply.String()},
	}
	if err := spec.Validate(); err != nil {
		panic(fmt.Sprintf("dev genesis: %v", err))
	}
	return spec
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }
func (s *GenesisSpec) DeployerAddress() [20]byte   { return s.deployer }
func (s *GenesisSpec) TreasuryAddress() [20]byte   { return s.treasury }

// Allocations returns the balances in address order.
func (s *GenesisSpec) Allocations() []Allocation {
	out := make([]Allocation, len(s.alloc))
	for i, a := range s.alloc {
		out[i] = Allocation{Address: a.Address, Amount: new(big.Int).Set(a.Amount)}
	}
	return out
}

// ChainIDValue returns the configured chain id, if any.
func (s *GenesisSpec) ChainIDValue() (uint64, bool) {
	if s.ChainID == nil {
		return 0, false
	}
	return *s.ChainID, true
}

// Validate parses every field and caches the decoded values.
func (s *GenesisSpec) Validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	if strings.TrimSpace(s.Deployer) == "" {
		return fmt.Errorf("deployer must be provided")
	}
	if s.deployer, err = crypto.ParseAddress(s.Deployer); err != nil {
		return fmt.Errorf("deployer: %w", err)
	}
	if strings.TrimSpace(s.Treasury) == "" {
		return fmt.Errorf("treasury must be provided")
	}
	if s.treasury, err = crypto.ParseAddress(s.Treasury); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if s.treasury == ([20]byte{}) {
		return fmt.Errorf("treasury must not be the zero address")
	}

	accounts := make([]string, 0, len(s.Alloc))
	for account := range s.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	seen := make(map[[20]byte]struct{}, len(accounts))
	alloc := make([]Allocation, 0, len(accounts))
	for _, account := range accounts {
		addr, err := crypto.ParseAddress(account)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("alloc[%q]: duplicate account", account)
		}
		seen[addr] = struct{}{}
		amount, err := parseAmountString(s.Alloc[account])
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		if amount.Sign() == 0 {
			continue
		}
		alloc = append(alloc, Allocation{Address: addr, Amount: amount})
	}
	sort.Slice(alloc, func(i, j int) bool {
		return bytes.Compare(alloc[i].Address[:], alloc[j].Address[:]) < 0
	})
	s.alloc = alloc
	return nil
}

func parseGenesisTime(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("genesisTime: %w", err)
	}
	return parsed.UTC(), nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
