package crypto

import (
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	cred := Credential{Username: "alice", Password: "hunter2-ftp-password"}

	sealed, err := Seal("ftp.example.com", cred, "1234")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == cred.Password {
		t.Fatalf("sealed blob must not equal the plaintext password")
	}

	got, err := Open(sealed, "ftp.example.com", "1234")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != cred {
		t.Errorf("expected %+v, got %+v", cred, got)
	}
}

func TestSealOpenEmptyUsername(t *testing.T) {
	// Anonymous FTP stores a password-only credential.
	cred := Credential{Password: "anonymous@"}
	sealed, err := Seal("ftp.example.com", cred, "1234")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(sealed, "ftp.example.com", "1234")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != cred {
		t.Errorf("expected %+v, got %+v", cred, got)
	}
}

func TestSealRejectsInvalidPIN(t *testing.T) {
	for _, pin := range []string{"", "123", "12345", "abcd"} {
		if _, err := Seal("h", Credential{Password: "x"}, pin); !errors.Is(err, ErrInvalidPIN) {
			t.Errorf("pin %q: expected ErrInvalidPIN, got %v", pin, err)
		}
	}
}

func TestOpenWrongPINFails(t *testing.T) {
	sealed, err := Seal("example.com", Credential{Username: "u", Password: "p"}, "1111")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(sealed, "example.com", "2222"); !errors.Is(err, ErrCannotUnseal) {
		t.Errorf("expected ErrCannotUnseal, got %v", err)
	}
}

func TestOpenWrongHostFails(t *testing.T) {
	// A sealed entry copied onto another host's key in the config file
	// must not open there.
	sealed, err := Seal("mirror-a.example.com", Credential{Username: "u", Password: "p"}, "1234")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(sealed, "mirror-b.example.com", "1234"); !errors.Is(err, ErrCannotUnseal) {
		t.Errorf("expected ErrCannotUnseal for mismatched host, got %v", err)
	}
}

func TestOpenRejectsMalformedData(t *testing.T) {
	if _, err := Open("not-base64!!!", "h", "1234"); !errors.Is(err, ErrSealedFormat) {
		t.Errorf("expected ErrSealedFormat for bad base64, got %v", err)
	}
	if _, err := Open("aGVsbG8=", "h", "1234"); !errors.Is(err, ErrSealedFormat) {
		t.Errorf("expected ErrSealedFormat for too-short payload, got %v", err)
	}
}

func TestSealProducesUniqueBlobsPerCall(t *testing.T) {
	cred := Credential{Username: "u", Password: "p"}
	a, err := Seal("h", cred, "1234")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := Seal("h", cred, "1234")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if a == b {
		t.Errorf("expected distinct blobs from distinct salt/nonce, got identical output")
	}
}
