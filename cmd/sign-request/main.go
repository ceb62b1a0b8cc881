package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BunsDev/yobot-engine/pkg/api"
	"github.com/BunsDev/yobot-engine/pkg/crypto"
)

func main() {
	// Step 1: Generate or load key
	var signer *crypto.Signer
	var err error
	if hexKey := os.Getenv("PRIVATE_KEY"); hexKey != "" {
		signer, err = crypto.FromPrivateKeyHex(hexKey)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	// Step 2: Build a sample order placement
	token := common.HexToAddress("0x000000000000000000000000000000000000beef")
	place := &crypto.PlaceRequest{
		Token:    token,
		Quantity: big.NewInt(3),
		Payment:  big.NewInt(1000),
		Nonce:    big.NewInt(1),
		Buyer:    signer.Address(),
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Token: %s\n", place.Token.Hex())
	fmt.Printf("  Quantity: %s\n", place.Quantity.String())
	fmt.Printf("  Payment: %s\n", place.Payment.String())
	fmt.Printf("  Buyer: %s\n\n", place.Buyer.Hex())

	// Step 3: Sign with EIP-712
	reqSigner := crypto.NewRequestSigner(crypto.DefaultDomain())
	signature, err := reqSigner.SignPlace(signer, place)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Signature: 0x%x\n\n", signature)

	// Step 4: Build the API request body
	body := &api.PlaceOrderRequest{
		Buyer:     place.Buyer.Hex(),
		Token:     place.Token.Hex(),
		Quantity:  place.Quantity.Int64(),
		Payment:   place.Payment.Int64(),
		Nonce:     place.Nonce.Uint64(),
		Signature: fmt.Sprintf("0x%x", signature),
	}

	reqJSON, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	// Step 5: Verify signature round-trips
	fmt.Println("Verifying signature...")
	recovered, err := reqSigner.RecoverPlaceSigner(place, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	if recovered != place.Buyer {
		fmt.Println("✗ Signature INVALID")
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")
	fmt.Printf("  Signer: %s\n\n", recovered.Hex())

	// Step 6: Show how to submit
	fmt.Println("To place this order:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(reqJSON))
}
