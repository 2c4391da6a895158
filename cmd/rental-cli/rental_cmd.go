package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rentalescrow/crypto"
)

var rentalNow = time.Now

// termsFile is the YAML form of the rental terms accepted by "rental open
// --terms".
type termsFile struct {
	Lender                 string `yaml:"lender"`
	Borrower               string `yaml:"borrower"`
	AssetContract          string `yaml:"assetContract"`
	AssetID                string `yaml:"assetId"`
	Due                    string `yaml:"due"`
	RentalFee              string `yaml:"rentalFee"`
	Collateral             string `yaml:"collateral"`
	GracePeriod            string `yaml:"gracePeriod"`
	EarlyTerminationWindow string `yaml:"earlyTerminationWindow"`
	Nonce                  uint64 `yaml:"nonce"`
}

func runRentalCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, rentalUsage())
		return 1
	}
	switch args[0] {
	case "open":
		return runRentalOpen(args[1:], stdout, stderr)
	case "get":
		return runRentalGet(args[1:], stdout, stderr)
	case "deposit-asset":
		return runRentalActor("rental_depositAsset", "lender", args[1:], stdout, stderr)
	case "deposit-funds":
		return runRentalDepositFunds(args[1:], stdout, stderr)
	case "withdraw-asset":
		return runRentalActor("rental_withdrawAsset", "lender", args[1:], stdout, stderr)
	case "withdraw-funds":
		return runRentalActor("rental_withdrawFunds", "borrower", args[1:], stdout, stderr)
	case "return":
		return runRentalActor("rental_returnAsset", "borrower", args[1:], stdout, stderr)
	case "claim":
		return runRentalActor("rental_withdrawCollateral", "lender", args[1:], stdout, stderr)
	case "history":
		return runRentalHistory(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown rental subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, rentalUsage())
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer, usage func() string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func runRentalOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rental open", stderr, rentalUsage)
	var (
		termsPath string
		flags     termsFile
		nonceStr  string
	)
	fs.StringVar(&termsPath, "terms", "", "YAML file holding the rental terms")
	fs.StringVar(&flags.Lender, "lender", "", "lender bech32 address")
	fs.StringVar(&flags.Borrower, "borrower", "", "borrower bech32 address")
	fs.StringVar(&flags.AssetContract, "contract", "", "asset contract bech32 address")
	fs.StringVar(&flags.AssetID, "asset-id", "", "asset token id")
	fs.StringVar(&flags.Due, "due", "", "due time as +duration, RFC3339 or unix seconds")
	fs.StringVar(&flags.RentalFee, "fee", "", "rental fee in base units")
	fs.StringVar(&flags.Collateral, "collateral", "", "collateral in base units")
	fs.StringVar(&flags.GracePeriod, "grace", "", "collateral grace period as duration or seconds")
	fs.StringVar(&flags.EarlyTerminationWindow, "early-window", "", "early termination window as duration or seconds")
	fs.StringVar(&nonceStr, "nonce", "", "nonce distinguishing otherwise identical terms")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	terms := termsFile{}
	if termsPath != "" {
		loaded, err := loadTermsFile(termsPath)
		if err != nil {
			return printError(stderr, err.Error())
		}
		terms = loaded
	}
	mergeTerms(&terms, flags)
	if nonceStr != "" {
		nonce, err := strconv.ParseUint(nonceStr, 10, 64)
		if err != nil {
			return printError(stderr, "--nonce must be an unsigned integer")
		}
		terms.Nonce = nonce
	}
	params, err := buildOpenParams(terms, rentalNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("rental_open", params, true, stdout, stderr)
}

func loadTermsFile(path string) (termsFile, error) {
	var terms termsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return terms, fmt.Errorf("read terms: %w", err)
	}
	if err := yaml.Unmarshal(data, &terms); err != nil {
		return terms, fmt.Errorf("parse terms: %w", err)
	}
	return terms, nil
}

// mergeTerms overlays every non-empty flag value onto terms.
func mergeTerms(terms *termsFile, flags termsFile) {
	overlay := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	overlay(&terms.Lender, flags.Lender)
	overlay(&terms.Borrower, flags.Borrower)
	overlay(&terms.AssetContract, flags.AssetContract)
	overlay(&terms.AssetID, flags.AssetID)
	overlay(&terms.Due, flags.Due)
	overlay(&terms.RentalFee, flags.RentalFee)
	overlay(&terms.Collateral, flags.Collateral)
	overlay(&terms.GracePeriod, flags.GracePeriod)
	overlay(&terms.EarlyTerminationWindow, flags.EarlyTerminationWindow)
}

func buildOpenParams(terms termsFile, now time.Time) (map[string]interface{}, error) {
	for _, field := range [][2]string{
		{"lender", terms.Lender},
		{"borrower", terms.Borrower},
		{"assetContract", terms.AssetContract},
	} {
		if err := validateAddress(field[0], field[1]); err != nil {
			return nil, err
		}
	}
	for _, field := range [][2]string{
		{"assetId", terms.AssetID},
		{"rentalFee", terms.RentalFee},
		{"collateral", terms.Collateral},
	} {
		if err := validateAmount(field[0], field[1]); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(terms.Due) == "" {
		return nil, fmt.Errorf("due is required")
	}
	due, err := parseDue(terms.Due, now)
	if err != nil {
		return nil, err
	}
	grace, err := parseSeconds("gracePeriod", terms.GracePeriod)
	if err != nil {
		return nil, err
	}
	window, err := parseSeconds("earlyTerminationWindow", terms.EarlyTerminationWindow)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"lender":                 strings.TrimSpace(terms.Lender),
		"borrower":               strings.TrimSpace(terms.Borrower),
		"assetContract":          strings.TrimSpace(terms.AssetContract),
		"assetId":                strings.TrimSpace(terms.AssetID),
		"dueAt":                  due,
		"rentalFee":              strings.TrimSpace(terms.RentalFee),
		"collateral":             strings.TrimSpace(terms.Collateral),
		"gracePeriod":            grace,
		"earlyTerminationWindow": window,
		"nonce":                  terms.Nonce,
	}, nil
}

func validateAddress(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if _, err := crypto.DecodeAddress(value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func validateAmount(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", name)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("%s must be a non-negative integer", name)
	}
	return nil
}

// parseDue accepts "+72h", an RFC3339 timestamp or unix seconds.
func parseDue(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "+") {
		d, err := time.ParseDuration(strings.TrimPrefix(trimmed, "+"))
		if err != nil {
			return 0, fmt.Errorf("invalid due duration: %w", err)
		}
		return now.Add(d).Unix(), nil
	}
	if ts, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return ts, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("due must be +duration, RFC3339 or unix seconds")
	}
	return parsed.Unix(), nil
}

// parseSeconds accepts a Go duration or a plain number of seconds; empty is 0.
func parseSeconds(name, value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		return secs, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a duration or seconds", name)
	}
	return uint64(d / time.Second), nil
}

func validateAgreementID(id string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(id), "0x")
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return fmt.Errorf("--id must be a 32-byte hex string")
	}
	return nil
}

func runRentalGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rental get", stderr, rentalUsage)
	var id string
	fs.StringVar(&id, "id", "", "agreement identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAgreementID(id); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("rental_get", map[string]interface{}{"id": id}, false, stdout, stderr)
}

func runRentalActor(method, role string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rental "+method, stderr, rentalUsage)
	var id, caller string
	fs.StringVar(&id, "id", "", "agreement identifier")
	fs.StringVar(&caller, "caller", "", role+" bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateAgreementID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--caller", caller); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(method, map[string]interface{}{"id": id, "caller": caller}, true, stdout, stderr)
}

func runRentalDepositFunds(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rental deposit-funds", stderr, rentalUsage)
	var id, caller, value string
	fs.StringVar(&id, "id", "", "agreement identifier")
	fs.StringVar(&caller, "caller", "", "borrower bech32 address")
	fs.StringVar(&value, "value", "", "fee + collateral in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAgreementID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--caller", caller); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAmount("--value", value); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": id, "caller": caller, "value": strings.TrimSpace(value)}
	return invoke("rental_depositFunds", params, true, stdout, stderr)
}

func runRentalHistory(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rental history", stderr, rentalUsage)
	var (
		id    string
		limit int
	)
	fs.StringVar(&id, "id", "", "agreement identifier")
	fs.IntVar(&limit, "limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAgreementID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if limit < 0 {
		return printError(stderr, "--limit must be non-negative")
	}
	return invoke("rental_history", map[string]interface{}{"id": id, "limit": limit}, false, stdout, stderr)
}

func rentalUsage() string {
	return strings.TrimSpace(`Usage:
  rental-cli rental <command> [flags]

Commands:
  open            Open an agreement from flags or --terms <file.yaml>
  get             Fetch an agreement by id
  deposit-asset   Move the lender's asset into the vault
  deposit-funds   Move the borrower's fee and collateral into the vault
  withdraw-asset  Cancel before start and return the asset to the lender
  withdraw-funds  Cancel before start and refund the borrower
  return          Return the asset and settle the collateral
  claim           Claim the remaining collateral after the grace period
  history         List journaled events of an agreement
`)
}
