package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"verto/crypto"
)

// View is the JSON rendering of an escrow served to RPC and gateway clients.
type View struct {
	ID             uint64 `json:"id"`
	Client         string `json:"client"`
	Freelancer     string `json:"freelancer"`
	Amount         string `json:"amount"`
	Status         string `json:"status"`
	InvoiceHash    string `json:"invoiceHash,omitempty"`
	ReviewDeadline uint64 `json:"reviewDeadline,omitempty"`
	CreatedAt      uint64 `json:"createdAt"`
	UpdatedAt      uint64 `json:"updatedAt"`
}

// NewView renders e.
func NewView(e *Escrow) View {
	view := View{
		ID:             e.ID,
		Client:         crypto.FormatAddress(e.Client),
		Freelancer:     crypto.FormatAddress(e.Freelancer),
		Amount:         "0",
		Status:         e.Status.String(),
		ReviewDeadline: e.ReviewDeadline,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.Amount != nil {
		view.Amount = e.Amount.String()
	}
	if len(e.InvoiceHash) > 0 {
		view.InvoiceHash = "0x" + hex.EncodeToString(e.InvoiceHash)
	}
	return view
}

// Escrow parses the view back into a record.
func (v View) Escrow() (*Escrow, error) {
	client, err := crypto.ParseAddress(v.Client)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	freelancer, err := crypto.ParseAddress(v.Freelancer)
	if err != nil {
		return nil, fmt.Errorf("freelancer: %w", err)
	}
	amount, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal integer", v.Amount)
	}
	status, err := ParseStatus(v.Status)
	if err != nil {
		return nil, err
	}
	var invoice []byte
	if v.InvoiceHash != "" {
		invoice, err = hex.DecodeString(strings.TrimPrefix(v.InvoiceHash, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invoice hash: %w", err)
		}
	}
	return &Escrow{
		ID:             v.ID,
		Client:         client,
		Freelancer:     freelancer,
		Amount:         amount,
		Status:         status,
		InvoiceHash:    invoice,
		ReviewDeadline: v.ReviewDeadline,
		CreatedAt:      v.CreatedAt,
		UpdatedAt:      v.UpdatedAt,
	}, nil
}
