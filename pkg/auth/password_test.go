package auth

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2-correct")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "hunter2-correct" {
		t.Fatal("hash must not equal the plaintext password")
	}
	if !CheckPassword("hunter2-correct", hash) {
		t.Fatal("correct password should verify")
	}
	if CheckPassword("hunter2-wrong", hash) {
		t.Fatal("wrong password should not verify")
	}
}

func TestCheckPasswordRejectsGarbageHash(t *testing.T) {
	if CheckPassword("anything", "not-a-bcrypt-hash") {
		t.Fatal("garbage hash should never verify")
	}
}

func TestHashPasswordProducesUniqueSalts(t *testing.T) {
	a, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	b, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password should differ")
	}
}
