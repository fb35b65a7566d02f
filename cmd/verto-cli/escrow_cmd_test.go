package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"verto/core"
	"verto/core/genesis"
	"verto/crypto"
	"verto/native/escrow"
	"verto/rpc"
	"verto/storage"
)

const cliChainID = 4242

func TestEscrowCommandArgValidation(t *testing.T) {
	original := rpcEndpoint
	rpcEndpoint = "http://127.0.0.1:1"
	defer func() { rpcEndpoint = original }()
	freelancer := crypto.FormatAddress([20]byte{1})

	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "usage", args: nil, wantErr: "Usage: verto-cli escrow"},
		{name: "unknown_subcommand", args: []string{"explode"}, wantErr: "Unknown escrow subcommand: explode"},
		{name: "create_missing_freelancer", args: []string{"create", "--amount", "5"}, wantErr: "--freelancer is required"},
		{name: "create_invalid_amount", args: []string{"create", "--freelancer", freelancer, "--amount", "1.5"}, wantErr: "--amount must be a base-10 integer"},
		{name: "create_zero_amount", args: []string{"create", "--freelancer", freelancer, "--amount", "0"}, wantErr: "--amount must be positive"},
		{name: "create_short_invoice", args: []string{"create", "--freelancer", freelancer, "--amount", "5", "--invoice", "0x1234"}, wantErr: "32-byte"},
		{name: "create_missing_signer", args: []string{"create", "--freelancer", freelancer, "--amount", "5"}, wantErr: "--key or --keystore is required"},
		{name: "fund_missing_id", args: []string{"fund", "--key", "k"}, wantErr: "--id is required"},
		{name: "resolve_bad_favor", args: []string{"resolve", "--id", "0", "--favor", "mediator"}, wantErr: "--favor must be client or freelancer"},
		{name: "list_bad_status", args: []string{"list", "--address", freelancer, "--status", "pending"}, wantErr: "unknown escrow status"},
		{name: "set_treasury_missing", args: []string{"set-treasury"}, wantErr: "--address is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := runEscrowCommand(tc.args, &stdout, &stderr)
			if code != 1 {
				t.Fatalf("exit code = %d, want 1 (stderr %q)", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr %q does not contain %q", stderr.String(), tc.wantErr)
			}
			if stdout.Len() != 0 {
				t.Fatalf("unexpected stdout %q", stdout.String())
			}
		})
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	original := rpcEndpoint
	defer func() { rpcEndpoint = original }()

	rest, err := applyGlobalFlags([]string{"--rpc", "http://node:9000", "escrow", "count"})
	require.NoError(t, err)
	require.Equal(t, []string{"escrow", "count"}, rest)
	require.Equal(t, "http://node:9000", rpcEndpoint)

	rest, err = applyGlobalFlags([]string{"balance", "--rpc=http://other"})
	require.NoError(t, err)
	require.Equal(t, []string{"balance"}, rest)
	require.Equal(t, "http://other", rpcEndpoint)

	_, err = applyGlobalFlags([]string{"--rpc"})
	require.Error(t, err)
}

type cliHarness struct {
	node       *core.Node
	clientKey  string
	freelancer string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	client, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	freelancer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	spec := genesis.DevSpec(operator.PubKey().Address().Array(), big.NewInt(1), cliChainID)
	spec.Alloc[crypto.FormatAddress(client.PubKey().Address().Array())] = "1000"
	node, err := core.NewNode(db, operator, core.Options{ChainID: cliChainID, Genesis: spec})
	require.NoError(t, err)

	server := httptest.NewServer(rpc.NewServer(node, rpc.ServerConfig{}).Handler())
	t.Cleanup(server.Close)
	original := rpcEndpoint
	rpcEndpoint = server.URL
	t.Cleanup(func() { rpcEndpoint = original })

	keyPath := filepath.Join(t.TempDir(), "client.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(fmt.Sprintf("%x\n", client.Bytes())), 0o600))
	return &cliHarness{
		node:       node,
		clientKey:  keyPath,
		freelancer: crypto.FormatAddress(freelancer.PubKey().Address().Array()),
	}
}

func (h *cliHarness) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--rpc", rpcEndpoint}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestEscrowCommandsAgainstNode(t *testing.T) {
	h := newCLIHarness(t)

	code, out, errOut := h.run(t, "escrow", "create", "--key", h.clientKey, "--freelancer", h.freelancer, "--amount", "300")
	require.Equal(t, 0, code, errOut)
	var submitted map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))
	require.Equal(t, "escrow.create", submitted["type"])
	require.EqualValues(t, 0, submitted["nonce"])
	_, _, err := h.node.ProduceBlock()
	require.NoError(t, err)

	code, _, errOut = h.run(t, "escrow", "fund", "--key", h.clientKey, "--id", "0")
	require.Equal(t, 0, code, errOut)
	_, _, err = h.node.ProduceBlock()
	require.NoError(t, err)

	code, out, errOut = h.run(t, "escrow", "get", "--id", "0")
	require.Equal(t, 0, code, errOut)
	var view escrow.View
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "funded", view.Status)
	require.Equal(t, "300", view.Amount)
	require.Equal(t, h.freelancer, view.Freelancer)

	code, out, _ = h.run(t, "escrow", "count")
	require.Equal(t, 0, code)
	require.JSONEq(t, `{"count":1}`, out)

	code, out, _ = h.run(t, "escrow", "list", "--address", h.freelancer, "--status", "funded")
	require.Equal(t, 0, code)
	var listed []escrow.View
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)

	code, _, errOut = h.run(t, "escrow", "get", "--id", "7")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "escrow 7 not found")

	code, _, errOut = h.run(t, "escrow", "release", "--key", h.clientKey, "--id", "0")
	require.Equal(t, 0, code, errOut)
	_, receipts, err := h.node.ProduceBlock()
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.False(t, receipts[0].Success, "release before delivery must fail")
}

func TestGenerateKeyAndAddress(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "wallet.key")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"generate-key", "--out", keyPath}, &stdout, &stderr), stderr.String())
	require.Contains(t, stdout.String(), "Address: ")

	stdout.Reset()
	require.Equal(t, 0, run([]string{"address", "--key", keyPath}, &stdout, &stderr), stderr.String())
	addr := strings.TrimSpace(stdout.String())
	_, err := crypto.ParseAddress(addr)
	require.NoError(t, err)

	stderr.Reset()
	require.Equal(t, 1, run([]string{"generate-key", "--out", keyPath}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "refusing to overwrite")
}
