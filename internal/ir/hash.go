package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainFact    = "rete/fact/v1"
	DomainPackage = "rete/package/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FactKey computes the equality key of a fact from its type name and
// field values. Two facts with the same type and the same non-null field
// values get the same key, whatever their Go identity.
//
// Truth maintenance uses the key to recognise a logical insertion of a
// fact that is already present.
func FactKey(typeName string, fields IRObject) (string, error) {
	present := make(IRObject, len(fields))
	for k, v := range fields {
		if !IsNull(v) {
			present[k] = v
		}
	}
	canonical, err := MarshalCanonical(IRObject{
		"type":   IRString(typeName),
		"fields": present,
	})
	if err != nil {
		return "", fmt.Errorf("FactKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainFact, canonical), nil
}

// PackageDigest computes the content digest of an encoded package record.
func PackageDigest(encoded []byte) string {
	return hashWithDomain(DomainPackage, encoded)
}
