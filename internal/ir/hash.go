package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// enables future algorithm migration.
const (
	DomainProgram = "lockstep/program/v1"
	DomainTrace   = "lockstep/trace/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ProgramHash computes the content-addressed identity of a program.
// The hash is stable across processes and runs given a semantically
// identical program, so federates can verify at handshake time that
// they were built from one model, and traces can be joined to the
// program that produced them.
func ProgramHash(p *Program) (string, error) {
	canonical, err := canonicalizeJSON(p)
	if err != nil {
		return "", fmt.Errorf("ProgramHash: %w", err)
	}
	return hashWithDomain(DomainProgram, canonical), nil
}

// TraceHash computes the identity of a canonical trace byte stream.
func TraceHash(canonicalTrace []byte) string {
	return hashWithDomain(DomainTrace, canonicalTrace)
}

// canonicalizeJSON round-trips a struct through encoding/json into a
// generic tree and re-serializes it canonically. UseNumber keeps
// integers intact; MarshalCanonical rejects any float that slips in.
func canonicalizeJSON(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return MarshalCanonical(tree)
}
