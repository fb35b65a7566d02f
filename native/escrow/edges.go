package escrow

// Operation names a state-changing call on an existing escrow.
type Operation uint8

const (
	OpFund Operation = iota + 1
	OpCancel
	OpDeliver
	OpRevise
	OpRelease
	OpDispute
	OpResolve
)

var operationNames = map[Operation]string{
	OpFund:    "fund-escrow",
	OpCancel:  "cancel-escrow",
	OpDeliver: "mark-delivered",
	OpRevise:  "request-revision",
	OpRelease: "release-payment",
	OpDispute: "initiate-dispute",
	OpResolve: "resolve-dispute",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// Role decides whether caller may drive an edge of esc.
type Role func(caller [20]byte, esc *Escrow, treasury [20]byte) bool

func clientRole(caller [20]byte, esc *Escrow, _ [20]byte) bool {
	return caller == esc.Client
}

func freelancerRole(caller [20]byte, esc *Escrow, _ [20]byte) bool {
	return caller == esc.Freelancer
}

func treasuryRole(caller [20]byte, _ *Escrow, treasury [20]byte) bool {
	return treasury != ([20]byte{}) && caller == treasury
}

func eitherParty(caller [20]byte, esc *Escrow, treasury [20]byte) bool {
	return clientRole(caller, esc, treasury) || freelancerRole(caller, esc, treasury)
}

// Edge is one legal transition.
type Edge struct {
	Op       Operation
	From     EscrowStatus
	To       EscrowStatus
	RoleName string
	Role     Role
}

var edgeTable = []Edge{
	{Op: OpFund, From: EscrowCreated, To: EscrowFunded, RoleName: "client", Role: clientRole},
	{Op: OpCancel, From: EscrowCreated, To: EscrowCancelled, RoleName: "client", Role: clientRole},
	{Op: OpDeliver, From: EscrowFunded, To: EscrowDelivered, RoleName: "freelancer", Role: freelancerRole},
	{Op: OpRevise, From: EscrowDelivered, To: EscrowFunded, RoleName: "client", Role: clientRole},
	{Op: OpRelease, From: EscrowDelivered, To: EscrowCompleted, RoleName: "client", Role: clientRole},
	{Op: OpDispute, From: EscrowFunded, To: EscrowDisputed, RoleName: "client", Role: clientRole},
	{Op: OpDispute, From: EscrowDelivered, To: EscrowDisputed, RoleName: "client|freelancer", Role: eitherParty},
	{Op: OpResolve, From: EscrowDisputed, To: EscrowCompleted, RoleName: "treasury", Role: treasuryRole},
}

// Edges returns a copy of the transition table.
func Edges() []Edge {
	out := make([]Edge, len(edgeTable))
	copy(out, edgeTable)
	return out
}

// authorizeEdge resolves the edge op would take from esc's current status.
// A caller admitted by none of op's edges is unauthorized before the status
// is examined; a status with no outgoing op edge yields the op's conflict
// error; finally the matched edge's own role must admit the caller.
func authorizeEdge(op Operation, caller [20]byte, esc *Escrow, treasury [20]byte) (Edge, error) {
	admitted := false
	for _, edge := range edgeTable {
		if edge.Op == op && edge.Role(caller, esc, treasury) {
			admitted = true
			break
		}
	}
	if !admitted {
		return Edge{}, ErrUnauthorized.withDetail("%s on escrow %d", op, esc.ID)
	}
	for _, edge := range edgeTable {
		if edge.Op != op || edge.From != esc.Status {
			continue
		}
		if !edge.Role(caller, esc, treasury) {
			return Edge{}, ErrUnauthorized.withDetail("%s from %s requires %s", op, esc.Status, edge.RoleName)
		}
		return edge, nil
	}
	return Edge{}, statusConflict(op, esc.Status)
}

func statusConflict(op Operation, status EscrowStatus) error {
	switch op {
	case OpFund, OpCancel:
		return ErrAlreadyFunded.withDetail("status %s", status)
	case OpDeliver:
		if status == EscrowCreated {
			return ErrNotFunded
		}
	case OpDispute:
		switch status {
		case EscrowCreated:
			return ErrNotFunded
		case EscrowDisputed:
			return ErrAlreadyDisputed
		case EscrowCompleted:
			return ErrAlreadyCompleted
		}
	}
	return ErrInvalidStatus.withDetail("%s from %s", op, status)
}
