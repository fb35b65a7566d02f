package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"verto/cmd/internal/passphrase"
	"verto/core/types"
	"verto/crypto"
	"verto/rpc"
)

const (
	envRPCURL       = "VERTO_RPC_URL"
	envRPCToken     = "VERTO_RPC_TOKEN"
	envKeystorePass = "VERTO_KEYSTORE_PASS"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv(envRPCToken)
	keyPassword  = passphrase.NewSource(envKeystorePass, "Enter keystore passphrase")
	rpcTimeout   = 30 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "transfer":
		return runTransfer(args[1:], stdout, stderr)
	case "receipt":
		return runReceipt(args[1:], stdout, stderr)
	case "escrow":
		return runEscrowCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: verto-cli [--rpc URL] <command> [flags]",
		"",
		"Commands:",
		"  generate-key --out FILE [--keystore]      create a signing key",
		"  address --key FILE | --keystore FILE       print the key's address",
		"  balance <address>                          show balance and nonce",
		"  transfer --to ADDR --amount N <signer>     move native balance",
		"  receipt --hash 0x...                       show a transaction receipt",
		"  escrow <subcommand>                        manage escrows (see 'escrow' for details)",
		"",
		"Signer flags: --key FILE (hex private key) or --keystore FILE (" + envKeystorePass + " or prompt).",
		"The RPC endpoint defaults to " + envRPCURL + " or http://localhost:8080.",
	}, "\n")
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(envRPCURL)); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func newClient() *rpc.Client {
	return rpc.NewClient(rpcEndpoint, rpcAuthToken)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// signerFlags are shared by every command that signs a transaction.
type signerFlags struct {
	keyFile  string
	keystore string
	wait     bool
}

func (s *signerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.keyFile, "key", "", "file holding a hex encoded private key")
	fs.StringVar(&s.keystore, "keystore", "", "encrypted keystore file")
	fs.BoolVar(&s.wait, "wait", false, "wait for the transaction receipt")
}

func (s *signerFlags) load() (*crypto.PrivateKey, error) {
	switch {
	case s.keyFile != "" && s.keystore != "":
		return nil, fmt.Errorf("--key and --keystore are mutually exclusive")
	case s.keystore != "":
		pass, err := keyPassword.Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(s.keystore, pass)
	case s.keyFile != "":
		return loadPrivateKey(s.keyFile)
	default:
		return nil, fmt.Errorf("--key or --keystore is required")
	}
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key file %s not found. run verto-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read private key file %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("private key file %s is empty", path)
	}
	key, err := crypto.PrivateKeyFromHex(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key in %s: %w", path, err)
	}
	return key, nil
}

// submit signs a transaction of txType with the account's next nonce and
// relays it. With wait set it blocks until the receipt is available.
func submit(stdout, stderr io.Writer, signer signerFlags, txType types.TxType, payload interface{}) int {
	key, err := signer.load()
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	client := newClient()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	sender := key.PubKey().Address().Array()
	account, err := client.GetBalance(ctx, sender)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	tx, err := types.NewTransaction(chainID, txType, account.Nonce, payload)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := tx.Sign(key.PrivateKey); err != nil {
		return printError(stderr, fmt.Sprintf("sign transaction: %v", err))
	}
	hash, err := client.SendTransaction(ctx, tx)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	if !signer.wait {
		return writeResult(stdout, map[string]interface{}{
			"hash":   hash,
			"sender": crypto.FormatAddress(sender),
			"type":   txType.String(),
			"nonce":  tx.Nonce,
		})
	}
	receipt, err := client.WaitForReceipt(ctx, hash, 500*time.Millisecond)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	if code := writeResult(stdout, receipt); code != 0 {
		return code
	}
	if !receipt.Success {
		return 1
	}
	return 0
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	out := fs.String("out", "wallet.key", "destination file")
	keystore := fs.Bool("keystore", false, "write an encrypted keystore instead of a hex key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if _, err := os.Stat(*out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists; refusing to overwrite", *out))
	}
	if *keystore {
		pass, err := keyPassword.Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
			return printError(stderr, err.Error())
		}
	} else if err := os.WriteFile(*out, []byte(fmt.Sprintf("%x\n", key.Bytes())), 0o600); err != nil {
		return printError(stderr, fmt.Sprintf("failed to save key to %s: %v", *out, err))
	}
	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", *out)
	fmt.Fprintf(stdout, "Address: %s\n", crypto.FormatAddress(key.PubKey().Address().Array()))
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var signer signerFlags
	fs.StringVar(&signer.keyFile, "key", "", "file holding a hex encoded private key")
	fs.StringVar(&signer.keystore, "keystore", "", "encrypted keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if signer.keystore != "" && signer.keyFile == "" {
		addr, err := crypto.KeystoreAddress(signer.keystore)
		if err != nil {
			return printError(stderr, err.Error())
		}
		fmt.Fprintln(stdout, crypto.FormatAddress(addr))
		return 0
	}
	key, err := signer.load()
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, crypto.FormatAddress(key.PubKey().Address().Array()))
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		return printError(stderr, "balance expects exactly one address")
	}
	addr, err := crypto.ParseAddress(args[0])
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid address: %v", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	account, err := newClient().GetBalance(ctx, addr)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	return writeResult(stdout, account)
}

func runTransfer(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("transfer", stderr)
	var signer signerFlags
	signer.register(fs)
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*to) == "" {
		return printError(stderr, "--to is required")
	}
	recipient, err := crypto.ParseAddress(*to)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --to: %v", err))
	}
	value, err := parseAmount(*amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, signer, types.TxTypeTransfer, types.TransferPayload{To: recipient, Amount: value})
}

func runReceipt(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipt", stderr)
	hash := fs.String("hash", "", "0x-prefixed transaction hash")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*hash) == "" {
		return printError(stderr, "--hash is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	receipt, err := newClient().GetReceipt(ctx, *hash)
	if err != nil {
		return handleRPCError(stderr, err)
	}
	if receipt == nil {
		return printError(stderr, "receipt not found")
	}
	return writeResult(stdout, receipt)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("--amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("--amount must be a base-10 integer")
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("--amount must be positive")
	}
	return value, nil
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err error) int {
	if rpcErr, ok := err.(*rpc.RPCError); ok {
		fmt.Fprintf(w, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if rpcErr.Data != nil {
			if data, marshalErr := json.Marshal(rpcErr.Data); marshalErr == nil {
				fmt.Fprintf(w, "  data: %s\n", data)
			}
		}
		return 1
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeResult(w io.Writer, v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "Error: encode result: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, string(data))
	return 0
}
