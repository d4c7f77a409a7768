package envelope

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	daemonKP, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate daemon keypair: %v", err)
	}
	peerKP, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate peer keypair: %v", err)
	}

	daemonLayer := New("sess-1", daemonKP, peerKP.Public)
	peerLayer := New("sess-1", peerKP, daemonKP.Public)

	type payload struct {
		Hello string `json:"hello"`
	}

	wire, err := daemonLayer.EncryptOutbound(payload{Hello: "world"})
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}

	var got payload
	if err := peerLayer.DecryptInbound([]byte(wire), &got); err != nil {
		t.Fatalf("DecryptInbound: %v", err)
	}
	if got.Hello != "world" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecryptInbound_NonceReuseRejected(t *testing.T) {
	daemonKP, _ := GenerateKeyPair()
	peerKP, _ := GenerateKeyPair()

	daemonLayer := New("sess-1", daemonKP, peerKP.Public)
	peerLayer := New("sess-1", peerKP, daemonKP.Public)

	wire, err := daemonLayer.EncryptOutbound(map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}

	var discard map[string]string
	if err := peerLayer.DecryptInbound([]byte(wire), &discard); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if err := peerLayer.DecryptInbound([]byte(wire), &discard); err == nil {
		t.Fatal("expected nonce-reuse rejection on replay")
	}
}

func TestUpdatePeerKey_InvalidatesOldSender(t *testing.T) {
	daemonKP, _ := GenerateKeyPair()
	peerKP, _ := GenerateKeyPair()
	otherKP, _ := GenerateKeyPair()

	daemonLayer := New("sess-1", daemonKP, peerKP.Public)
	peerLayer := New("sess-1", peerKP, daemonKP.Public)

	wire, err := daemonLayer.EncryptOutbound(map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}

	// The peer replaces the daemon public key it holds with a different one;
	// a message the daemon sealed before the rotation must now fail auth.
	peerLayer.UpdatePeerKey(otherKP.Public)

	var discard map[string]string
	if err := peerLayer.DecryptInbound([]byte(wire), &discard); err == nil {
		t.Fatal("expected ErrAuthFailed after peer key rotation")
	}
}

func TestDeactivate_RejectsAllOperations(t *testing.T) {
	daemonKP, _ := GenerateKeyPair()
	peerKP, _ := GenerateKeyPair()
	layer := New("sess-1", daemonKP, peerKP.Public)

	layer.Deactivate()

	if _, err := layer.EncryptOutbound(map[string]string{"a": "b"}); err != ErrDeactivated {
		t.Fatalf("expected ErrDeactivated, got %v", err)
	}
	if layer.IsEncrypted() {
		t.Fatal("expected IsEncrypted false after Deactivate")
	}
}
