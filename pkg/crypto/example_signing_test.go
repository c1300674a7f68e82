package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Signing a deposit the way a wallet client would, then verifying it as the
// API server does.
func ExampleEIP712Signer_SignRequest() {
	signer, err := FromPrivateKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		panic(err)
	}

	e := NewEIP712Signer(DefaultDomain(common.HexToAddress("0x00000000000000000000000000000000000e8c4a")))
	req := Request{
		Action: ActionDeposit,
		Owner:  signer.Address(),
		Nonce:  1,
		Token:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Amount: uint256.NewInt(1_000),
	}

	sig, err := e.SignRequest(signer, req)
	if err != nil {
		panic(err)
	}
	fmt.Println(len(sig), e.VerifyRequest(req, sig) == nil)
	// Output: 65 true
}
