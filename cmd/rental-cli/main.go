package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rentalescrow/cmd/internal/passphrase"
	"rentalescrow/crypto"
	"rentalescrow/rpc"
)

const (
	keyPassEnv    = "RENTAL_KEY_PASS"
	authSecretEnv = "RENTAL_AUTH_SECRET"
)

var newPassphraseSource = func() func() (string, error) {
	return passphrase.NewSource(keyPassEnv, "party keystore").Get
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "rental":
		return runRentalCommand(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "credit":
		return runCredit(args[1:], stdout, stderr)
	case "owner":
		return runOwner(args[1:], stdout, stderr)
	case "approve":
		return runApprove(args[1:], stdout, stderr)
	case "mint":
		return runMint(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr, usage)
	var out string
	fs.StringVar(&out, "out", "party.keystore", "keystore output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pass, err := newPassphraseSource()()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("save keystore: %v", err))
	}
	fmt.Fprintf(stdout, "Address: %s\nKeystore: %s\n", key.PubKey().Address().String(), out)
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr, usage)
	var path string
	fs.StringVar(&path, "keystore", "party.keystore", "keystore path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	pass, err := newPassphraseSource()()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return printError(stderr, fmt.Sprintf("load keystore: %v", err))
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

// runToken signs a bearer token for a party address using the daemon's
// shared HMAC secret.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr, usage)
	var (
		subject string
		secret  string
		issuer  string
		ttl     time.Duration
	)
	fs.StringVar(&subject, "subject", "", "party bech32 address")
	fs.StringVar(&secret, "secret", os.Getenv(authSecretEnv), "HMAC secret (defaults to $"+authSecretEnv+")")
	fs.StringVar(&issuer, "issuer", "rentald", "token issuer")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(subject) == "" {
		return printError(stderr, "--subject is required")
	}
	token, err := rpc.IssueToken(secret, issuer, subject, ttl, rentalNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr, usage)
	var addr string
	fs.StringVar(&addr, "address", "", "account bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--address", addr); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("bank_balance", map[string]interface{}{"address": addr}, false, stdout, stderr)
}

func runCredit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("credit", stderr, usage)
	var addr, amount string
	fs.StringVar(&addr, "address", "", "account bech32 address")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--address", addr); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAmount("--amount", amount); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("bank_credit", map[string]interface{}{"address": addr, "amount": amount}, true, stdout, stderr)
}

// tokenArgs parses the --contract and --token-id pair shared by the asset
// commands.
type tokenArgs struct {
	fs       *flag.FlagSet
	stderr   io.Writer
	contract string
	tokenID  string
}

func newTokenArgs(name string, stderr io.Writer) *tokenArgs {
	t := &tokenArgs{fs: newFlagSet(name, stderr, usage), stderr: stderr}
	t.fs.StringVar(&t.contract, "contract", "", "asset contract bech32 address")
	t.fs.StringVar(&t.tokenID, "token-id", "", "asset token id")
	return t
}

func (t *tokenArgs) parse(args []string) int {
	if err := t.fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--contract", t.contract); err != nil {
		return printError(t.stderr, err.Error())
	}
	if err := validateAmount("--token-id", t.tokenID); err != nil {
		return printError(t.stderr, err.Error())
	}
	return 0
}

func runOwner(args []string, stdout, stderr io.Writer) int {
	t := newTokenArgs("owner", stderr)
	if code := t.parse(args); code != 0 {
		return code
	}
	return invoke("nft_ownerOf", map[string]interface{}{"contract": t.contract, "tokenId": t.tokenID}, false, stdout, stderr)
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	t := newTokenArgs("approve", stderr)
	var caller, operator string
	t.fs.StringVar(&caller, "caller", "", "current owner bech32 address")
	t.fs.StringVar(&operator, "operator", "", "operator to approve, usually the agreement vault")
	if code := t.parse(args); code != 0 {
		return code
	}
	if err := validateAddress("--caller", caller); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--operator", operator); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"caller":   caller,
		"operator": operator,
		"contract": t.contract,
		"tokenId":  t.tokenID,
	}
	return invoke("nft_approve", params, true, stdout, stderr)
}

func runMint(args []string, stdout, stderr io.Writer) int {
	t := newTokenArgs("mint", stderr)
	var owner string
	t.fs.StringVar(&owner, "owner", "", "initial owner bech32 address")
	if code := t.parse(args); code != 0 {
		return code
	}
	if err := validateAddress("--owner", owner); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"contract": t.contract, "tokenId": t.tokenID, "owner": owner}
	return invoke("nft_mint", params, true, stdout, stderr)
}

func usage() string {
	return strings.TrimSpace(`Usage:
  rental-cli [--rpc URL] [--token JWT] <command> [flags]

Commands:
  rental    Agreement operations (see "rental-cli rental")
  keygen    Create a party keystore
  address   Print the address held in a keystore
  token     Sign a bearer token for a party address
  balance   Show an account balance
  credit    Credit an account (daemon DevMode only)
  owner     Show the owner and approval of an asset
  approve   Approve an operator for an asset
  mint      Mint an asset (daemon DevMode only)

Environment:
  RENTAL_RPC_URL      RPC endpoint (default http://localhost:8545)
  RENTAL_RPC_TOKEN    bearer token sent with mutating calls
  RENTAL_KEY_PASS     keystore passphrase
  RENTAL_AUTH_SECRET  HMAC secret used by "token"
`)
}
