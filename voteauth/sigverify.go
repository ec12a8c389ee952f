// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Vote Signature Verification

// Package voteauth canonicalizes and verifies signed vote payloads the
// way original_source/app/common.py's is_vote_signed/sign_data do,
// built on go-ethereum's crypto package (the real upstream of the
// teacher's own forked signature-recovery primitives) instead of
// reimplementing secp256k1 or message hashing.
package voteauth

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalJSON re-encodes v the way Python's
// json.dumps(v, separators=(',', ':')) does: no whitespace between
// tokens. encoding/json already omits insignificant whitespace; the
// one difference from json.Marshal is that HTML escaping is turned
// off, so the characters <, > and & are written as-is.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; trim it so the
	// hashed bytes match json.dumps exactly.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Recover canonicalizes data, hashes it with the personal-message
// prefix (accounts.TextHash, the upstream of web3's defunct_hash_message),
// and recovers the signer address from sig.
func Recover(data interface{}, sig []byte) (common.Address, error) {
	canon, err := CanonicalJSON(data)
	if err != nil {
		return common.Address{}, fmt.Errorf("canonicalize vote data: %w", err)
	}
	hash := accounts.TextHash(canon)

	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// go-ethereum's SigToPub expects the recovery id in the last byte
	// as 0/1, the form Sign produces. Ingress and gossip pass the
	// submitted bytes through unchanged, so a signature carrying 27/28
	// fails recovery here.
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignedBy reports whether sig recovers to expected for data.
func VerifySignedBy(data interface{}, sig []byte, expected common.Address) (bool, error) {
	signer, err := Recover(data, sig)
	if err != nil {
		return false, err
	}
	return signer == expected, nil
}

// Sign produces a 65-byte signature (recovery id 0/1) over data's
// canonical JSON with the given private key, mirroring
// common.sign_data in original_source. Gossip re-broadcasts forward
// the submitter's signature and do not call Sign.
func Sign(data interface{}, privateKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(stripHexPrefix(privateKeyHex))
	if err != nil {
		return "", fmt.Errorf("parse node private key: %w", err)
	}
	canon, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	hash := accounts.TextHash(canon)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("sign vote data: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
