package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for typed-data requests. It scopes
// signatures to this deployment so they cannot replay elsewhere.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the engine's default signing domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "YobotEngine",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// PlaceRequest is the typed data a buyer signs to place an order.
type PlaceRequest struct {
	Token    common.Address // item collection
	Quantity *big.Int
	Payment  *big.Int // escrowed up front; unit price derives from payment/quantity
	Nonce    *big.Int
	Buyer    common.Address
}

// CancelRequest is the typed data a buyer signs to cancel an order.
type CancelRequest struct {
	Index *big.Int
	Nonce *big.Int
	Buyer common.Address
}

// FillRequest is the typed data the authorized filler signs to settle an
// order.
type FillRequest struct {
	Buyer    common.Address
	Index    *big.Int
	Token    common.Address
	Quantity *big.Int
	FullFill bool
	Nonce    *big.Int
	Filler   common.Address
}

// ConfigRequest is the typed data the coordinator signs to change the gate
// configuration. Zero addresses leave the corresponding role untouched. The
// fee change is gated by SetFeeBips so "set fee to 0" and "leave fee
// unchanged" hash to distinct digests; FeeBips is ignored (and canonically
// zero) when SetFeeBips is false.
type ConfigRequest struct {
	Filler       common.Address
	FeeRecipient common.Address
	FeeBips      *big.Int
	SetFeeBips   bool
	Nonce        *big.Int
	Coordinator  common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// RequestSigner hashes and signs the engine's typed requests.
type RequestSigner struct {
	domain EIP712Domain
}

func NewRequestSigner(domain EIP712Domain) *RequestSigner {
	return &RequestSigner{domain: domain}
}

func (rs *RequestSigner) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              rs.domain.Name,
		Version:           rs.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(rs.domain.ChainID),
		VerifyingContract: rs.domain.VerifyingContract.Hex(),
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func (rs *RequestSigner) digest(primary string, types apitypes.Types, message apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      rs.typedDomain(),
		Message:     message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(primary, message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", primary, err)
	}

	raw := append([]byte("\x19\x01"), append(domainSeparator, structHash...)...)
	return crypto.Keccak256(raw), nil
}

// HashPlace returns the signing digest for a placement.
func (rs *RequestSigner) HashPlace(req *PlaceRequest) ([]byte, error) {
	return rs.digest("Place", apitypes.Types{
		"EIP712Domain": domainType,
		"Place": []apitypes.Type{
			{Name: "token", Type: "address"},
			{Name: "quantity", Type: "uint256"},
			{Name: "payment", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "buyer", Type: "address"},
		},
	}, apitypes.TypedDataMessage{
		"token":    req.Token.Hex(),
		"quantity": req.Quantity.String(),
		"payment":  req.Payment.String(),
		"nonce":    req.Nonce.String(),
		"buyer":    req.Buyer.Hex(),
	})
}

// HashCancel returns the signing digest for a cancellation.
func (rs *RequestSigner) HashCancel(req *CancelRequest) ([]byte, error) {
	return rs.digest("Cancel", apitypes.Types{
		"EIP712Domain": domainType,
		"Cancel": []apitypes.Type{
			{Name: "index", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "buyer", Type: "address"},
		},
	}, apitypes.TypedDataMessage{
		"index": req.Index.String(),
		"nonce": req.Nonce.String(),
		"buyer": req.Buyer.Hex(),
	})
}

// HashFill returns the signing digest for a fill.
func (rs *RequestSigner) HashFill(req *FillRequest) ([]byte, error) {
	fullFill := "0"
	if req.FullFill {
		fullFill = "1"
	}
	return rs.digest("Fill", apitypes.Types{
		"EIP712Domain": domainType,
		"Fill": []apitypes.Type{
			{Name: "buyer", Type: "address"},
			{Name: "index", Type: "uint256"},
			{Name: "token", Type: "address"},
			{Name: "quantity", Type: "uint256"},
			{Name: "fullFill", Type: "uint8"},
			{Name: "nonce", Type: "uint256"},
			{Name: "filler", Type: "address"},
		},
	}, apitypes.TypedDataMessage{
		"buyer":    req.Buyer.Hex(),
		"index":    req.Index.String(),
		"token":    req.Token.Hex(),
		"quantity": req.Quantity.String(),
		"fullFill": fullFill,
		"nonce":    req.Nonce.String(),
		"filler":   req.Filler.Hex(),
	})
}

// HashConfig returns the signing digest for a gate-configuration change.
func (rs *RequestSigner) HashConfig(req *ConfigRequest) ([]byte, error) {
	setFeeBips := "0"
	if req.SetFeeBips {
		setFeeBips = "1"
	}
	return rs.digest("Config", apitypes.Types{
		"EIP712Domain": domainType,
		"Config": []apitypes.Type{
			{Name: "filler", Type: "address"},
			{Name: "feeRecipient", Type: "address"},
			{Name: "feeBips", Type: "uint256"},
			{Name: "setFeeBips", Type: "uint8"},
			{Name: "nonce", Type: "uint256"},
			{Name: "coordinator", Type: "address"},
		},
	}, apitypes.TypedDataMessage{
		"filler":       req.Filler.Hex(),
		"feeRecipient": req.FeeRecipient.Hex(),
		"feeBips":      req.FeeBips.String(),
		"setFeeBips":   setFeeBips,
		"nonce":        req.Nonce.String(),
		"coordinator":  req.Coordinator.Hex(),
	})
}

// SignPlace hashes and signs a placement in one step.
func (rs *RequestSigner) SignPlace(signer *Signer, req *PlaceRequest) ([]byte, error) {
	hash, err := rs.HashPlace(req)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignCancel hashes and signs a cancellation in one step.
func (rs *RequestSigner) SignCancel(signer *Signer, req *CancelRequest) ([]byte, error) {
	hash, err := rs.HashCancel(req)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignFill hashes and signs a fill in one step.
func (rs *RequestSigner) SignFill(signer *Signer, req *FillRequest) ([]byte, error) {
	hash, err := rs.HashFill(req)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignConfig hashes and signs a config change in one step.
func (rs *RequestSigner) SignConfig(signer *Signer, req *ConfigRequest) ([]byte, error) {
	hash, err := rs.HashConfig(req)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverPlaceSigner recovers the address that signed a placement.
func (rs *RequestSigner) RecoverPlaceSigner(req *PlaceRequest, signature []byte) (common.Address, error) {
	hash, err := rs.HashPlace(req)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// RecoverCancelSigner recovers the address that signed a cancellation.
func (rs *RequestSigner) RecoverCancelSigner(req *CancelRequest, signature []byte) (common.Address, error) {
	hash, err := rs.HashCancel(req)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// RecoverFillSigner recovers the address that signed a fill.
func (rs *RequestSigner) RecoverFillSigner(req *FillRequest, signature []byte) (common.Address, error) {
	hash, err := rs.HashFill(req)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// RecoverConfigSigner recovers the address that signed a config change.
func (rs *RequestSigner) RecoverConfigSigner(req *ConfigRequest, signature []byte) (common.Address, error) {
	hash, err := rs.HashConfig(req)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}
