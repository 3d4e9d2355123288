package session

import (
	"encoding/json"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	originalData := "This is a secret message"

	encrypted, err := encrypt([]byte(originalData))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	if encrypted == "" {
		t.Fatal("Encrypted string is empty")
	}

	decrypted, err := decrypt(encrypted)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}

	if string(decrypted) != originalData {
		t.Errorf("Expected %q, got %q", originalData, string(decrypted))
	}
}

func TestSessionSerialization(t *testing.T) {
	originalSession := Session{
		ServerURL:    "wss://chat.example.com/ws",
		APIURL:       "https://chat.example.com",
		Username:     "testuser",
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
	}

	data, err := json.Marshal(originalSession)
	if err != nil {
		t.Fatalf("Failed to marshal session: %v", err)
	}

	encrypted, err := encrypt(data)
	if err != nil {
		t.Fatalf("Failed to encrypt session: %v", err)
	}

	decryptedData, err := decrypt(encrypted)
	if err != nil {
		t.Fatalf("Failed to decrypt session: %v", err)
	}

	var restoredSession Session
	if err := json.Unmarshal(decryptedData, &restoredSession); err != nil {
		t.Fatalf("Failed to unmarshal restored session: %v", err)
	}

	if restoredSession != originalSession {
		t.Errorf("Expected %+v, got %+v", originalSession, restoredSession)
	}
}

func TestStoreTokenAccessors(t *testing.T) {
	st := &Store{}
	st.sess = Session{AccessToken: "old-access", RefreshToken: "old-refresh"}

	if st.AccessToken() != "old-access" {
		t.Fatalf("unexpected access token %q", st.AccessToken())
	}
	if st.RefreshToken() != "old-refresh" {
		t.Fatalf("unexpected refresh token %q", st.RefreshToken())
	}

	sess := st.Session()
	if sess.AccessToken != "old-access" {
		t.Errorf("Session() returned %+v", sess)
	}
}
