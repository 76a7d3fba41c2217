package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
)

func TestValueCipherRoundTrip(t *testing.T) {
	c, err := NewValueCipher("test-passphrase", nil)
	if err != nil {
		t.Fatalf("NewValueCipher: %v", err)
	}
	defer c.Zeroize()

	plaintext := []byte(`{"theme":"dark"}`)
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Errorf("sealed value %q lacks prefix", sealed)
	}
	if strings.Contains(sealed, "dark") {
		t.Error("sealed value leaks plaintext")
	}

	got, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestValueCipherReopenWithSalt(t *testing.T) {
	c1, err := NewValueCipher("passphrase", nil)
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := c1.Seal([]byte("persisted"))

	c2, err := NewValueCipher("passphrase", c1.Salt())
	if err != nil {
		t.Fatal(err)
	}
	got, err := c2.Open(sealed)
	if err != nil {
		t.Fatalf("reopen with same salt: %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("got %q", got)
	}

	c3, _ := NewValueCipher("other", c1.Salt())
	if _, err := c3.Open(sealed); err == nil {
		t.Error("wrong passphrase should fail")
	}
}

func TestValueCipherDistinctNonces(t *testing.T) {
	c, _ := NewValueCipher("passphrase", nil)
	a, _ := c.Seal([]byte("same"))
	b, _ := c.Seal([]byte("same"))
	if a == b {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestValueCipherPlaintextPassthrough(t *testing.T) {
	c, _ := NewValueCipher("passphrase", nil)
	got, err := c.Open(`"legacy"`)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != `"legacy"` {
		t.Errorf("passthrough = %q", got)
	}
}

func TestValueCipherMalformed(t *testing.T) {
	c, _ := NewValueCipher("key", nil)

	if _, err := c.Open("enc:not-valid-base64!!!"); err == nil {
		t.Error("bad base64 should fail")
	}
	if _, err := c.Open("enc:AAAA"); err == nil {
		t.Error("too-short ciphertext should fail")
	}

	sealed, _ := c.Seal([]byte("data"))
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "enc:"))
	raw[len(raw)-1] ^= 0xff
	if _, err := c.Open("enc:" + base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("tampered ciphertext should fail")
	}
}

func TestValueCipherRejectsBadInput(t *testing.T) {
	if _, err := NewValueCipher("", nil); err == nil {
		t.Error("empty passphrase should be rejected")
	}
	if _, err := NewValueCipher("x", []byte("short")); err == nil {
		t.Error("short salt should be rejected")
	}
}

func TestValueCipherZeroize(t *testing.T) {
	c, _ := NewValueCipher("passphrase", nil)
	sealed, _ := c.Seal([]byte("secret"))
	c.Zeroize()
	if _, err := c.Open(sealed); err == nil {
		t.Error("open after Zeroize should fail")
	}
}

func TestValueCipherConcurrent(t *testing.T) {
	c, _ := NewValueCipher("passphrase", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Seal([]byte("v"))
			if err != nil {
				t.Error(err)
				return
			}
			if got, err := c.Open(s); err != nil || string(got) != "v" {
				t.Errorf("round trip: %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
}
