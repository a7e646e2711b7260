// Package busconf defines the typed per-bus parameters carried in interface
// configuration blobs and their CBOR encoding.
//
// The driver core treats blobs as opaque bytes; this package is the codec
// clients and the driver use to produce and interpret them.
package busconf

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kstaniek/go-vbus-driver/pkg/status"
	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// Params is implemented by the parameter set of every bus type.
type Params interface {
	BusType() wire.BusType
	Validate() error
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("busconf: invalid parameter")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode validates p and returns its blob.
func Encode(p Params) ([]byte, error) {
	if p == nil {
		return nil, status.New(status.NullPointer, "encode_config")
	}
	if err := p.Validate(); err != nil {
		return nil, status.Wrap(status.InvalidParameters, "encode_config", err)
	}
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, status.Wrap(status.InvalidParameters, "encode_config", err)
	}
	return b, nil
}

// MustEncode is Encode for parameters known to be valid.
func MustEncode(p Params) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses a blob for bus type t. An empty blob yields Default(t).
// Undecodable or out-of-range parameters are InvalidParameters.
func Decode(t wire.BusType, blob []byte) (Params, error) {
	p := Default(t)
	if p == nil {
		return nil, status.Errorf(status.InvalidBusType, "decode_config", "bus type %v", t)
	}
	if len(blob) == 0 {
		return p, nil
	}
	if err := decMode.Unmarshal(blob, p); err != nil {
		return nil, status.Wrap(status.InvalidParameters, "decode_config", err)
	}
	if err := p.Validate(); err != nil {
		return nil, status.Wrap(status.InvalidParameters, "decode_config", err)
	}
	return p, nil
}

// Default returns a pointer to the default parameters for t, or nil.
func Default(t wire.BusType) Params {
	switch t {
	case wire.CAN:
		return &CAN{BaudRate: 500_000}
	case wire.LIN:
		return &LIN{BaudRate: 19_200}
	case wire.FlexRay:
		return DefaultFlexRay()
	case wire.Ethernet:
		return &Ethernet{MaxSpeed: Speed100M}
	case wire.Custom:
		return &Custom{}
	default:
		return nil
	}
}

// Limits derives the per-frame limits an interface configured with p enforces.
func Limits(p Params) wire.Limits {
	switch v := p.(type) {
	case *CAN:
		if v.FastDataEnabled {
			return wire.Limits{MaxFrame: 64, FD: true}
		}
		return wire.Limits{MaxFrame: 8}
	case *Custom:
		if v.MaxFrame > 0 {
			return wire.Limits{MaxFrame: int(v.MaxFrame)}
		}
		return wire.DefaultLimits(wire.Custom)
	case nil:
		return wire.Limits{}
	default:
		return wire.DefaultLimits(p.BusType())
	}
}

// SelfReception reports whether an interface configured with p receives the
// frames it sends itself.
func SelfReception(p Params) bool {
	switch v := p.(type) {
	case *CAN:
		return v.SelfReception
	case *LIN:
		return v.SelfReception
	case *FlexRay:
		return v.SelfReception
	default:
		return false
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}
