package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentalescrow/crypto"
)

func fill(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

var (
	lenderAddr   = crypto.FormatAddress(fill(0x11))
	borrowerAddr = crypto.FormatAddress(fill(0x22))
	contractAddr = crypto.FormatAddress(fill(0xc0))
	agreementID  = "0x" + strings.Repeat("ab", 32)
)

type capturedCall struct {
	method      string
	params      map[string]interface{}
	requireAuth bool
}

func stubRPC(t *testing.T, result string) *[]capturedCall {
	t.Helper()
	var calls []capturedCall
	original := rpcCall
	rpcCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		calls = append(calls, capturedCall{method: method, params: decoded, requireAuth: requireAuth})
		return json.RawMessage(result), nil, nil
	}
	t.Cleanup(func() { rpcCall = original })
	return &calls
}

func fixNow(t *testing.T) {
	t.Helper()
	original := rentalNow
	rentalNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	t.Cleanup(func() { rentalNow = original })
}

func TestRentalOpenFromTermsFile(t *testing.T) {
	fixNow(t)
	calls := stubRPC(t, `{"status":"created"}`)
	path := filepath.Join(t.TempDir(), "terms.yaml")
	contents := strings.Join([]string{
		"lender: " + lenderAddr,
		"borrower: " + borrowerAddr,
		"assetContract: " + contractAddr,
		"assetId: \"7\"",
		"due: +72h",
		"rentalFee: \"10\"",
		"collateral: \"50\"",
		"gracePeriod: 24h",
		"nonce: 3",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	var stdout, stderr bytes.Buffer
	code := run([]string{"rental", "open", "--terms", path, "--fee", "12"}, &stdout, &stderr)
	require.Equalf(t, 0, code, "stderr: %s", stderr.String())
	require.Len(t, *calls, 1)
	call := (*calls)[0]
	require.Equal(t, "rental_open", call.method)
	require.True(t, call.requireAuth)
	require.Equal(t, "12", call.params["rentalFee"])
	require.Equal(t, "50", call.params["collateral"])
	require.EqualValues(t, 1_700_000_000+72*3600, call.params["dueAt"])
	require.EqualValues(t, 24*3600, call.params["gracePeriod"])
	require.EqualValues(t, 0, call.params["earlyTerminationWindow"])
	require.EqualValues(t, 3, call.params["nonce"])
	require.Contains(t, stdout.String(), `"status": "created"`)
}

func TestRentalOpenValidatesBeforeCalling(t *testing.T) {
	fixNow(t)
	calls := stubRPC(t, `{}`)
	cases := map[string][]string{
		"missing lender": {"rental", "open", "--borrower", borrowerAddr},
		"bad fee": {"rental", "open", "--lender", lenderAddr, "--borrower", borrowerAddr,
			"--contract", contractAddr, "--asset-id", "7", "--fee", "-1", "--collateral", "1", "--due", "+1h"},
		"bad due": {"rental", "open", "--lender", lenderAddr, "--borrower", borrowerAddr,
			"--contract", contractAddr, "--asset-id", "7", "--fee", "1", "--collateral", "1", "--due", "tomorrow"},
	}
	for name, args := range cases {
		var stdout, stderr bytes.Buffer
		require.Equalf(t, 1, run(args, &stdout, &stderr), "case %s", name)
		require.Containsf(t, stderr.String(), "Error:", "case %s", name)
	}
	require.Empty(t, *calls)
}

func TestActorCommandsRouteToMethods(t *testing.T) {
	calls := stubRPC(t, `{}`)
	for sub, method := range map[string]string{
		"deposit-asset":  "rental_depositAsset",
		"withdraw-asset": "rental_withdrawAsset",
		"withdraw-funds": "rental_withdrawFunds",
		"return":         "rental_returnAsset",
		"claim":          "rental_withdrawCollateral",
	} {
		*calls = (*calls)[:0]
		var stdout, stderr bytes.Buffer
		code := run([]string{"rental", sub, "--id", agreementID, "--caller", lenderAddr}, &stdout, &stderr)
		require.Equalf(t, 0, code, "%s: %s", sub, stderr.String())
		require.Len(t, *calls, 1)
		require.Equal(t, method, (*calls)[0].method)
		require.Equal(t, agreementID, (*calls)[0].params["id"])
	}

	*calls = (*calls)[:0]
	var stdout, stderr bytes.Buffer
	code := run([]string{"rental", "deposit-funds", "--id", agreementID, "--caller", borrowerAddr, "--value", "60"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Equal(t, "60", (*calls)[0].params["value"])

	require.Equal(t, 1, run([]string{"rental", "return", "--id", "0x12", "--caller", lenderAddr}, &stdout, &stderr))
}

func TestRPCErrorsAreReported(t *testing.T) {
	original := rpcCall
	rpcCall = func(string, interface{}, bool) (json.RawMessage, *rpcError, error) {
		return nil, &rpcError{Code: -32034, Message: "invalid_state", Data: json.RawMessage(`"rental: invalid state"`)}, nil
	}
	defer func() { rpcCall = original }()

	var stdout, stderr bytes.Buffer
	code := run([]string{"rental", "get", "--id", agreementID}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "RPC error -32034: invalid_state")
}

func TestGlobalFlagsAreStripped(t *testing.T) {
	originalEndpoint, originalToken := rpcEndpoint, rpcAuthToken
	defer func() { rpcEndpoint, rpcAuthToken = originalEndpoint, originalToken }()

	rest, err := applyGlobalFlags([]string{"--rpc", "http://node:1", "balance", "--token=abc", "--address", "x"})
	require.NoError(t, err)
	require.Equal(t, []string{"balance", "--address", "x"}, rest)
	require.Equal(t, "http://node:1", rpcEndpoint)
	require.Equal(t, "abc", rpcAuthToken)

	_, err = applyGlobalFlags([]string{"--token"})
	require.Error(t, err)
}

func TestTokenCommandSignsSubject(t *testing.T) {
	fixNow(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"token", "--subject", lenderAddr, "--secret", "s3cret", "--ttl", "10m"}, &stdout, &stderr)
	require.Equalf(t, 0, code, "stderr: %s", stderr.String())
	token := strings.TrimSpace(stdout.String())
	require.Len(t, strings.Split(token, "."), 3)

	stdout.Reset()
	require.Equal(t, 1, run([]string{"token", "--subject", "bogus", "--secret", "s3cret"}, &stdout, &stderr))
}

func TestKeygenThenAddress(t *testing.T) {
	original := newPassphraseSource
	newPassphraseSource = func() func() (string, error) {
		return func() (string, error) { return "correct horse", nil }
	}
	defer func() { newPassphraseSource = original }()

	path := filepath.Join(t.TempDir(), "party.keystore")
	var stdout, stderr bytes.Buffer
	require.Equalf(t, 0, run([]string{"keygen", "--out", path}, &stdout, &stderr), "stderr: %s", stderr.String())
	require.Contains(t, stdout.String(), "Address: rent1")

	generated := strings.TrimPrefix(strings.SplitN(stdout.String(), "\n", 2)[0], "Address: ")
	stdout.Reset()
	require.Equal(t, 0, run([]string{"address", "--keystore", path}, &stdout, &stderr))
	require.Equal(t, generated, strings.TrimSpace(stdout.String()))
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"frobnicate"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "Unknown command")
	require.Equal(t, 1, run([]string{"rental"}, &stdout, &stderr))
}
