// Package testutil provides signed fixtures and an in-process fake relay
// for package tests.
package testutil

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Signer produces valid events for one key.
type Signer struct {
	priv   *btcec.PrivateKey
	PubKey string
}

// NewSigner generates a fresh key.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Signer{
		priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// Event builds and signs an event.
func (s *Signer) Event(t testing.TB, kind int, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		PubKey:    s.PubKey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	evt.ID = evt.GetID()

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt
}

// Corrupt returns a copy of evt whose signature no longer verifies while
// its shape stays valid.
func Corrupt(evt *nostr.Event) *nostr.Event {
	bad := *evt
	b := []byte(bad.Sig)
	if b[len(b)-1] == '0' {
		b[len(b)-1] = '1'
	} else {
		b[len(b)-1] = '0'
	}
	bad.Sig = string(b)
	return &bad
}
