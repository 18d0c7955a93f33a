package token_test

import (
	"crypto"
	"encoding/pem"
)

const sha256Hash = crypto.SHA256

func pemEncode(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
