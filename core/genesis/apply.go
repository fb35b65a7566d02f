package genesis

import (
	"fmt"

	"verto/core/state"
	"verto/native/bank"
	"verto/native/escrow"
)

// Apply writes the genesis state into mgr without committing it. The
// deployment mirrors the escrow rollout order: fund accounts, deploy the
// store under the deployer, hand store ownership to the policy, then set the
// treasury.
func Apply(spec *GenesisSpec, mgr *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if mgr == nil {
		return fmt.Errorf("state manager must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	ledger := bank.NewLedger(mgr)
	for _, alloc := range spec.alloc {
		if err := ledger.Mint(alloc.Address, alloc.Amount); err != nil {
			return fmt.Errorf("genesis alloc %x: %w", alloc.Address, err)
		}
	}

	store := escrow.NewStore(mgr)
	if err := store.Deploy(spec.deployer); err != nil {
		return fmt.Errorf("deploy escrow store: %w", err)
	}
	policy := escrow.NewPolicy(store, ledger, mgr)
	if err := store.SetContractOwner(spec.deployer, policy.Address()); err != nil {
		return fmt.Errorf("hand escrow store to policy: %w", err)
	}
	if err := policy.InitTreasury(spec.treasury); err != nil {
		return fmt.Errorf("init treasury: %w", err)
	}
	return mgr.SetStateVersion(state.StateVersion)
}
