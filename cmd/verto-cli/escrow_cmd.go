package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"verto/core/types"
	"verto/crypto"
	"verto/native/escrow"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "fund":
		return runEscrowIDTx("escrow fund", types.TxTypeEscrowFund, args[1:], stdout, stderr)
	case "cancel":
		return runEscrowIDTx("escrow cancel", types.TxTypeEscrowCancel, args[1:], stdout, stderr)
	case "deliver":
		return runEscrowIDTx("escrow deliver", types.TxTypeEscrowDeliver, args[1:], stdout, stderr)
	case "revise":
		return runEscrowIDTx("escrow revise", types.TxTypeEscrowRevise, args[1:], stdout, stderr)
	case "release":
		return runEscrowIDTx("escrow release", types.TxTypeEscrowRelease, args[1:], stdout, stderr)
	case "dispute":
		return runEscrowIDTx("escrow dispute", types.TxTypeEscrowDispute, args[1:], stdout, stderr)
	case "resolve":
		return runEscrowResolve(args[1:], stdout, stderr)
	case "set-treasury":
		return runEscrowAddressTx("escrow set-treasury", types.TxTypeEscrowSetTreasury, args[1:], stdout, stderr)
	case "set-owner":
		return runEscrowAddressTx("escrow set-owner", types.TxTypeStoreSetOwner, args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "count":
		return runEscrowCount(args[1:], stdout, stderr)
	case "treasury":
		return runEscrowTreasury(args[1:], stdout, stderr)
	case "expired":
		return runEscrowExpired(args[1:], stdout, stderr)
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func escrowUsage() string {
	return strings.Join([]string{
		"Usage: verto-cli escrow <subcommand> [flags]",
		"",
		"Transactions (require --key or --keystore, optional --wait):",
		"  create --freelancer ADDR --amount N [--invoice 0x<32 bytes>]",
		"  fund|cancel|deliver|revise|release|dispute --id N",
		"  resolve --id N --favor client|freelancer",
		"  set-treasury --address ADDR",
		"  set-owner --address ADDR",
		"",
		"Queries:",
		"  get --id N",
		"  count",
		"  treasury",
		"  expired --id N",
		"  list --address ADDR [--status NAME]",
	}, "\n")
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow create", stderr)
	var (
		signer     signerFlags
		freelancer string
		amountStr  string
		invoice    string
	)
	signer.register(fs)
	fs.StringVar(&freelancer, "freelancer", "", "freelancer address")
	fs.StringVar(&amountStr, "amount", "", "escrow amount in base units")
	fs.StringVar(&invoice, "invoice", "", "optional 0x-prefixed 32-byte invoice hash")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(freelancer) == "" {
		return printError(stderr, "--freelancer is required")
	}
	freelancerAddr, err := crypto.ParseAddress(freelancer)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --freelancer: %v", err))
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	invoiceHash, err := parseInvoiceHash(invoice)
	if err != nil {
		return printError(stderr, err.Error())
	}
	payload := types.EscrowCreatePayload{Freelancer: freelancerAddr, Amount: amount, InvoiceHash: invoiceHash}
	return submit(stdout, stderr, signer, types.TxTypeEscrowCreate, payload)
}

func runEscrowIDTx(name string, txType types.TxType, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var signer signerFlags
	signer.register(fs)
	id := fs.Int64("id", -1, "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id < 0 {
		return printError(stderr, "--id is required")
	}
	return submit(stdout, stderr, signer, txType, types.EscrowIDPayload{ID: uint64(*id)})
}

func runEscrowResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow resolve", stderr)
	var signer signerFlags
	signer.register(fs)
	id := fs.Int64("id", -1, "escrow id")
	favor := fs.String("favor", "", "party receiving the funds: client or freelancer")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id < 0 {
		return printError(stderr, "--id is required")
	}
	var favorFreelancer bool
	switch strings.ToLower(strings.TrimSpace(*favor)) {
	case "freelancer":
		favorFreelancer = true
	case "client":
	case "":
		return printError(stderr, "--favor is required")
	default:
		return printError(stderr, "--favor must be client or freelancer")
	}
	payload := types.EscrowResolvePayload{ID: uint64(*id), FavorFreelancer: favorFreelancer}
	return submit(stdout, stderr, signer, types.TxTypeEscrowResolve, payload)
}

func runEscrowAddressTx(name string, txType types.TxType, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var signer signerFlags
	signer.register(fs)
	address := fs.String("address", "", "new address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*address) == "" {
		return printError(stderr, "--address is required")
	}
	addr, err := crypto.ParseAddress(*address)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	return submit(stdout, stderr, signer, txType, types.AddressPayload{Address: addr})
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow get", stderr)
	id := fs.Int64("id", -1, "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id < 0 {
		return printError(stderr, "--id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	view, err := newClient().Escrow(ctx, uint64(*id))
	if err != nil {
		return handleRPCError(stderr, err)
	}
	if view == nil {
		return printError(stderr, fmt.Sprintf("escrow %d not found", *id))
	}
	return writeResult(stdout, view)
}

func runEscrowCount(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		return printError(stderr, "count takes no arguments")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	count, err := newClient().EscrowCount(ctx)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	return writeResult(stdout, map[string]uint64{"count": count})
}

func runEscrowTreasury(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		return printError(stderr, "treasury takes no arguments")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	client := newClient()
	treasury, err := client.EscrowTreasury(ctx)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	owner, err := client.EscrowOwner(ctx)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	return writeResult(stdout, map[string]string{"treasury": treasury, "storeOwner": owner})
}

func runEscrowExpired(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow expired", stderr)
	id := fs.Int64("id", -1, "escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id < 0 {
		return printError(stderr, "--id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	expired, err := newClient().EscrowReviewExpired(ctx, uint64(*id))
	if err != nil {
		return handleRPCError(stderr, err)
	}
	return writeResult(stdout, map[string]interface{}{"id": *id, "expired": expired})
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow list", stderr)
	address := fs.String("address", "", "client or freelancer address")
	status := fs.String("status", "", "optional status filter")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*address) == "" {
		return printError(stderr, "--address is required")
	}
	addr, err := crypto.ParseAddress(*address)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	if *status != "" {
		if _, err := escrow.ParseStatus(*status); err != nil {
			return printError(stderr, err.Error())
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	views, err := newClient().EscrowsFor(ctx, addr)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	out := make([]escrow.View, 0, len(views))
	for _, v := range views {
		if *status == "" || strings.EqualFold(v.Status, *status) {
			out = append(out, v)
		}
	}
	return writeResult(stdout, out)
}

func parseInvoiceHash(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return nil, fmt.Errorf("--invoice must be a 0x-prefixed 32-byte hex string")
	}
	raw, err := hex.DecodeString(trimmed[2:])
	if err != nil {
		return nil, fmt.Errorf("--invoice must contain only hexadecimal characters")
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("--invoice must be a 0x-prefixed 32-byte hex string")
	}
	return raw, nil
}
