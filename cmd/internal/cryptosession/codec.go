package cryptosession

import "github.com/fxamacker/cbor/v2"

// Core Deterministic Encoding (RFC 8949 §4.2): the same state always yields the
// same bytes, so persisted records compare cleanly.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cryptosession: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic("cryptosession: CBOR decoder initialization failed: " + err.Error())
	}
}
