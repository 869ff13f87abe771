package create2

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestComputeAddress(t *testing.T) {
	tests := []struct {
		name     string
		deployer string
		initCode []byte
		wantErr  bool
	}{
		{
			name:     "valid inputs",
			deployer: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb",
			initCode: []byte{0x60, 0x80, 0x60, 0x40},
			wantErr:  false,
		},
		{
			name:     "zero deployer",
			deployer: "0x0000000000000000000000000000000000000000",
			initCode: []byte{0x60, 0x80},
			wantErr:  true,
		},
		{
			name:     "empty init code",
			deployer: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb",
			initCode: []byte{},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt := IssuedAssetSalt(1, common.HexToAddress("0x01"))
			addr, err := ComputeAddress(common.HexToAddress(tt.deployer), salt, tt.initCode)

			if (err != nil) != tt.wantErr {
				t.Errorf("ComputeAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && addr == (common.Address{}) {
				t.Errorf("ComputeAddress() returned zero address")
			}
		})
	}
}

// EIP-1014 example 5.
func TestComputeAddressMatchesReference(t *testing.T) {
	deployer := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	salt := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000cafebabe")
	initCode := common.FromHex("0xdeadbeef")

	addr, err := ComputeAddress(deployer, salt, initCode)
	if err != nil {
		t.Fatalf("ComputeAddress() failed: %v", err)
	}

	want := common.HexToAddress("0x60f3f640a8508fC6a86d45DF051962668E1e8AC7")
	if addr != want {
		t.Errorf("ComputeAddress() = %s, want %s", addr.Hex(), want.Hex())
	}
	if got := crypto.CreateAddress2(deployer, salt, crypto.Keccak256(initCode)); got != addr {
		t.Errorf("ComputeAddress() disagrees with crypto.CreateAddress2: %s vs %s", addr.Hex(), got.Hex())
	}
}

func TestIssuedAssetSalt(t *testing.T) {
	token := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb")

	if IssuedAssetSalt(199, token) != IssuedAssetSalt(199, token) {
		t.Errorf("IssuedAssetSalt() is not deterministic")
	}
	if IssuedAssetSalt(199, token) == IssuedAssetSalt(1178, token) {
		t.Errorf("IssuedAssetSalt() returned same salt for different chains")
	}
	if IssuedAssetSalt(199, token) == IssuedAssetSalt(199, common.Address{}) {
		t.Errorf("IssuedAssetSalt() returned same salt for different tokens")
	}
}

func TestVerifyAddress(t *testing.T) {
	deployer := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb")
	salt := IssuedAssetSalt(1, common.HexToAddress("0x02"))
	initCode := []byte{0x60, 0x80, 0x60, 0x40, 0x52}

	expected, err := ComputeAddress(deployer, salt, initCode)
	if err != nil {
		t.Fatalf("ComputeAddress() failed: %v", err)
	}

	valid, err := VerifyAddress(expected, deployer, salt, initCode)
	if err != nil {
		t.Fatalf("VerifyAddress() failed: %v", err)
	}
	if !valid {
		t.Errorf("VerifyAddress() returned false for correct address")
	}

	valid, err = VerifyAddress(common.HexToAddress("0x01"), deployer, salt, initCode)
	if err != nil {
		t.Fatalf("VerifyAddress() failed: %v", err)
	}
	if valid {
		t.Errorf("VerifyAddress() returned true for incorrect address")
	}
}
