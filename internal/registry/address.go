package registry

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Native address widths accepted in a registry.
const (
	EVMAddressLength  = common.AddressLength
	WideAddressLength = common.HashLength
)

// Address is an endpoint address in its chain-native width (20 bytes for EVM
// chains, 32 bytes for chains such as Solana or Aptos).
type Address []byte

// ParseAddress parses a 0x-prefixed 20- or 32-byte hex string.
func ParseAddress(s string) (Address, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if len(raw) != EVMAddressLength && len(raw) != WideAddressLength {
		return nil, fmt.Errorf("%w: %q is %d bytes, want %d or %d",
			ErrInvalidAddress, s, len(raw), EVMAddressLength, WideAddressLength)
	}
	if Address(raw).IsZero() {
		return nil, fmt.Errorf("%w: %q is the zero address", ErrInvalidAddress, s)
	}
	return Address(raw), nil
}

// IsZero reports whether every byte of a is zero. An empty address is zero.
func (a Address) IsZero() bool {
	return bytes.Count(a, []byte{0}) == len(a)
}

// MustParseAddress is like ParseAddress but panics on error. Intended for
// fixtures.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the 0x-prefixed hex form.
func (a Address) String() string {
	return hexutil.Encode(a)
}

// Equal reports whether a and b hold the same bytes.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a, b)
}

// EVM returns the address as a go-ethereum address. Only valid for 20-byte
// addresses.
func (a Address) EVM() (common.Address, error) {
	if len(a) != EVMAddressLength {
		return common.Address{}, fmt.Errorf("%w: %s is not an EVM address", ErrInvalidAddress, a)
	}
	return common.BytesToAddress(a), nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Encode returns the 32-byte peer form of a: left-padded with zeros. a must
// be at most 32 bytes; registry nodes always are. Longer input panics.
func Encode(a Address) [32]byte {
	if len(a) > WideAddressLength {
		panic(fmt.Sprintf("registry: cannot encode %d-byte address %s as a peer", len(a), a))
	}
	var out [32]byte
	copy(out[32-len(a):], a)
	return out
}

// Decode strips the left padding from a peer value and returns an address of
// the given native width. It fails if the padding bytes are not zero.
func Decode(peer [32]byte, width int) (Address, error) {
	if width != EVMAddressLength && width != WideAddressLength {
		return nil, fmt.Errorf("%w: unsupported width %d", ErrInvalidAddress, width)
	}
	pad := peer[:32-width]
	if bytes.Count(pad, []byte{0}) != len(pad) {
		return nil, fmt.Errorf("%w: peer %s has non-zero padding for width %d",
			ErrInvalidAddress, hexutil.Encode(peer[:]), width)
	}
	out := make(Address, width)
	copy(out, peer[32-width:])
	return out, nil
}
