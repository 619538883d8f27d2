// Package event holds the checks applied to events received from relays:
// shape validation, id and signature verification, and filter matching.
package event

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

var (
	ErrInvalidShape     = fmt.Errorf("malformed event fields")
	ErrIDMismatch       = fmt.Errorf("event id does not match content hash")
	ErrInvalidSignature = fmt.Errorf("invalid signature")
)

// ValidateShape checks field encodings without doing any cryptography.
func ValidateShape(evt *nostr.Event) error {
	if evt == nil {
		return ErrInvalidShape
	}
	if !isLowerHex(evt.ID) || !nostr.IsValid32ByteHex(evt.ID) {
		return fmt.Errorf("%w: id", ErrInvalidShape)
	}
	if !isLowerHex(evt.PubKey) || !nostr.IsValid32ByteHex(evt.PubKey) {
		return fmt.Errorf("%w: pubkey", ErrInvalidShape)
	}
	if len(evt.Sig) != 128 || !isLowerHex(evt.Sig) {
		return fmt.Errorf("%w: sig", ErrInvalidShape)
	}
	if evt.CreatedAt < 0 || evt.Kind < 0 || evt.Kind > 65535 {
		return fmt.Errorf("%w: created_at or kind out of range", ErrInvalidShape)
	}
	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("%w: empty tag", ErrInvalidShape)
		}
	}
	return nil
}

// VerifySignature recomputes the canonical id and checks the schnorr
// signature over it. The event must already have passed ValidateShape.
func VerifySignature(evt *nostr.Event) error {
	if evt.GetID() != evt.ID {
		return ErrIDMismatch
	}

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return ErrIDMismatch
	}
	pkBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey", ErrInvalidShape)
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig", ErrInvalidShape)
	}

	pubKey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(idBytes, pubKey) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify runs ValidateShape followed by VerifySignature.
func Verify(evt *nostr.Event) error {
	if err := ValidateShape(evt); err != nil {
		return err
	}
	return VerifySignature(evt)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
