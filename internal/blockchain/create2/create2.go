// Package create2 computes CREATE2 contract addresses.
package create2

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ComputeAddress computes the address a contract deployed by deployer
// with salt and initCode ends up at.
//
// CREATE2 formula: address = keccak256(0xff ++ deployer ++ salt ++ keccak256(initCode))[12:]
func ComputeAddress(deployer common.Address, salt [32]byte, initCode []byte) (common.Address, error) {
	if deployer == (common.Address{}) {
		return common.Address{}, fmt.Errorf("deployer address cannot be zero")
	}
	if len(initCode) == 0 {
		return common.Address{}, fmt.Errorf("init code cannot be empty")
	}

	initCodeHash := crypto.Keccak256Hash(initCode)

	// 1 byte (0xff) + 20 bytes (address) + 32 bytes (salt) + 32 bytes (initCodeHash)
	data := make([]byte, 1+20+32+32)
	data[0] = 0xff
	copy(data[1:21], deployer.Bytes())
	copy(data[21:53], salt[:])
	copy(data[53:85], initCodeHash.Bytes())

	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:]), nil
}

// IssuedAssetSalt is the CREATE2 salt of the issued representation of
// originToken from originChainID: keccak256(abi.encode(originChainId, originToken)).
func IssuedAssetSalt(originChainID uint64, originToken common.Address) [32]byte {
	var buf [64]byte
	new(big.Int).SetUint64(originChainID).FillBytes(buf[:32])
	copy(buf[44:], originToken.Bytes())
	return crypto.Keccak256Hash(buf[:])
}

// VerifyAddress reports whether expected is the CREATE2 address of
// (deployer, salt, initCode).
func VerifyAddress(expected, deployer common.Address, salt [32]byte, initCode []byte) (bool, error) {
	computed, err := ComputeAddress(deployer, salt, initCode)
	if err != nil {
		return false, err
	}
	return expected == computed, nil
}
