package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

var allOperations = []Operation{OpFund, OpCancel, OpDeliver, OpRevise, OpRelease, OpDispute, OpResolve}

var allStatuses = []EscrowStatus{
	EscrowCreated, EscrowFunded, EscrowDelivered, EscrowCompleted, EscrowDisputed, EscrowCancelled,
}

func findEdge(op Operation, from EscrowStatus) (Edge, bool) {
	for _, edge := range Edges() {
		if edge.Op == op && edge.From == from {
			return edge, true
		}
	}
	return Edge{}, false
}

// Every (operation, status, caller) triple either follows a table edge whose
// role admits the caller or fails with a coded error.
func TestAuthorizeEdgeTotality(t *testing.T) {
	client, freelancer, treasury, stranger := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03), newTestAddress(0x04)
	callers := map[string][20]byte{"client": client, "freelancer": freelancer, "treasury": treasury, "stranger": stranger}

	for _, op := range allOperations {
		for _, status := range allStatuses {
			esc := &Escrow{ID: 9, Client: client, Freelancer: freelancer, Amount: big.NewInt(1), Status: status}
			for name, caller := range callers {
				got, err := authorizeEdge(op, caller, esc, treasury)
				edge, exists := findEdge(op, status)
				if exists && edge.Role(caller, esc, treasury) {
					require.NoError(t, err, "%s by %s from %s", op, name, status)
					require.Equal(t, edge.To, got.To)
					continue
				}
				require.Error(t, err, "%s by %s from %s", op, name, status)
				_, coded := CodeOf(err)
				require.True(t, coded, "%s by %s from %s: uncoded error %v", op, name, status, err)

				admittedSomewhere := false
				for _, candidate := range Edges() {
					if candidate.Op == op && candidate.Role(caller, esc, treasury) {
						admittedSomewhere = true
					}
				}
				if !admittedSomewhere {
					require.ErrorIs(t, err, ErrUnauthorized, "%s by %s from %s", op, name, status)
				}
			}
		}
	}
}

func TestDisputeRoleDependsOnStatus(t *testing.T) {
	client, freelancer, treasury := newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03)
	esc := &Escrow{Client: client, Freelancer: freelancer, Amount: big.NewInt(1)}

	esc.Status = EscrowFunded
	if _, err := authorizeEdge(OpDispute, freelancer, esc, treasury); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("freelancer must not dispute a funded escrow, got %v", err)
	}
	if _, err := authorizeEdge(OpDispute, client, esc, treasury); err != nil {
		t.Fatalf("client dispute from funded: %v", err)
	}
	esc.Status = EscrowDelivered
	if _, err := authorizeEdge(OpDispute, freelancer, esc, treasury); err != nil {
		t.Fatalf("freelancer dispute from delivered: %v", err)
	}
	esc.Status = EscrowDisputed
	if _, err := authorizeEdge(OpDispute, freelancer, esc, treasury); !errors.Is(err, ErrAlreadyDisputed) {
		t.Fatalf("expected ALREADY_DISPUTED for freelancer, got %v", err)
	}
	if _, err := authorizeEdge(OpDispute, treasury, esc, treasury); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("third party dispute must be unauthorized, got %v", err)
	}
}

func TestStatusConflictMapping(t *testing.T) {
	cases := []struct {
		op     Operation
		status EscrowStatus
		want   Code
	}{
		{OpFund, EscrowFunded, CodeAlreadyFunded},
		{OpFund, EscrowCancelled, CodeAlreadyFunded},
		{OpCancel, EscrowCompleted, CodeAlreadyFunded},
		{OpDeliver, EscrowCreated, CodeNotFunded},
		{OpDeliver, EscrowDelivered, CodeInvalidStatus},
		{OpRevise, EscrowFunded, CodeInvalidStatus},
		{OpRelease, EscrowCreated, CodeInvalidStatus},
		{OpDispute, EscrowCreated, CodeNotFunded},
		{OpDispute, EscrowDisputed, CodeAlreadyDisputed},
		{OpDispute, EscrowCompleted, CodeAlreadyCompleted},
		{OpDispute, EscrowCancelled, CodeInvalidStatus},
		{OpResolve, EscrowDelivered, CodeInvalidStatus},
	}
	for _, tc := range cases {
		code, ok := CodeOf(statusConflict(tc.op, tc.status))
		if !ok || code != tc.want {
			t.Fatalf("%s from %s: expected code %d, got %d", tc.op, tc.status, tc.want, code)
		}
	}
}

func TestTreasuryRoleRequiresConfiguredTreasury(t *testing.T) {
	esc := &Escrow{Client: newTestAddress(0x01), Freelancer: newTestAddress(0x02), Status: EscrowDisputed}
	if _, err := authorizeEdge(OpResolve, [20]byte{}, esc, [20]byte{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("zero treasury must not admit the zero address, got %v", err)
	}
}
