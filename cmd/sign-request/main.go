package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/tokenex/params"
	"github.com/uhyunpark/tokenex/pkg/api"
	"github.com/uhyunpark/tokenex/pkg/crypto"
)

var flags struct {
	key        string
	custody    string
	nonce      uint64
	token      string
	amount     string
	tokenGet   string
	amountGet  string
	tokenGive  string
	amountGive string
	orderID    uint64
	typedData  bool
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sign-request <action>",
	Short: "Sign an exchange request with EIP-712 and print the JSON body to POST",
	Long: `Sign an exchange request with EIP-712 and print the JSON body to POST.

Actions and the endpoint each body is posted to:
  approve   POST /api/v1/approve          --token --amount
  deposit   POST /api/v1/deposit          --token --amount
  withdraw  POST /api/v1/withdraw         --token --amount
  order     POST /api/v1/orders           --token-get --amount-get --token-give --amount-give
  cancel    POST /api/v1/orders/{id}/cancel   --order
  fill      POST /api/v1/orders/{id}/fill     --order

Amounts are decimal integers in the token's smallest unit. Without --key a
fresh key is generated and printed to stderr.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"approve", "deposit", "withdraw", "order", "cancel", "fill"},
	RunE:      run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.key, "key", "", "hex private key of the owner")
	f.StringVar(&flags.custody, "custody", params.Default().Exchange.Custody.Hex(), "exchange custody address (EIP-712 verifying contract)")
	f.Uint64Var(&flags.nonce, "nonce", 1, "request nonce, must exceed the owner's last accepted nonce")
	f.StringVar(&flags.token, "token", "", "token address")
	f.StringVar(&flags.amount, "amount", "", "amount")
	f.StringVar(&flags.tokenGet, "token-get", "", "token the order wants")
	f.StringVar(&flags.amountGet, "amount-get", "", "amount the order wants")
	f.StringVar(&flags.tokenGive, "token-give", "", "token the order offers")
	f.StringVar(&flags.amountGive, "amount-give", "", "amount the order offers")
	f.Uint64Var(&flags.orderID, "order", 0, "order id to cancel or fill")
	f.BoolVar(&flags.typedData, "typed-data", false, "print the eth_signTypedData_v4 payload instead of signing")
}

var actions = map[string]crypto.Action{
	"approve":  crypto.ActionApprove,
	"deposit":  crypto.ActionDeposit,
	"withdraw": crypto.ActionWithdraw,
	"order":    crypto.ActionOrder,
	"cancel":   crypto.ActionCancel,
	"fill":     crypto.ActionFill,
}

func run(cmd *cobra.Command, args []string) error {
	action, ok := actions[args[0]]
	if !ok {
		return fmt.Errorf("unknown action %q", args[0])
	}

	signer, err := loadSigner(cmd)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(flags.custody) {
		return fmt.Errorf("invalid custody address %q", flags.custody)
	}

	req := crypto.Request{Action: action, Owner: signer.Address(), Nonce: flags.nonce}
	switch action {
	case crypto.ActionApprove, crypto.ActionDeposit, crypto.ActionWithdraw:
		if req.Token, err = address("token", flags.token); err != nil {
			return err
		}
		if req.Amount, err = amount("amount", flags.amount); err != nil {
			return err
		}
	case crypto.ActionOrder:
		if req.TokenGet, err = address("token-get", flags.tokenGet); err != nil {
			return err
		}
		if req.AmountGet, err = amount("amount-get", flags.amountGet); err != nil {
			return err
		}
		if req.TokenGive, err = address("token-give", flags.tokenGive); err != nil {
			return err
		}
		if req.AmountGive, err = amount("amount-give", flags.amountGive); err != nil {
			return err
		}
	case crypto.ActionCancel, crypto.ActionFill:
		if flags.orderID == 0 {
			return fmt.Errorf("--order is required")
		}
		req.OrderID = flags.orderID
	}

	eip712 := crypto.NewEIP712Signer(crypto.DefaultDomain(common.HexToAddress(flags.custody)))
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")

	if flags.typedData {
		td, err := eip712.TypedData(req)
		if err != nil {
			return err
		}
		return out.Encode(td)
	}

	sig, err := eip712.SignRequest(signer, req)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	// Round-trip through the verifier the server uses
	if err := eip712.VerifyRequest(req, sig); err != nil {
		return err
	}
	return out.Encode(api.NewSignedRequest(req, sig))
}

func loadSigner(cmd *cobra.Command) (*crypto.Signer, error) {
	if flags.key != "" {
		return crypto.FromPrivateKeyHex(flags.key)
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Address: %s\n", signer.Address().Hex())
	fmt.Fprintf(cmd.ErrOrStderr(), "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	return signer, nil
}

func address(flag, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", flag, s)
	}
	return common.HexToAddress(s), nil
}

func amount(flag, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: invalid amount %q", flag, s)
	}
	return v, nil
}
