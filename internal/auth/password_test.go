package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptVerifier(t *testing.T) {
	v := NewBcryptVerifier(WithCost(bcrypt.MinCost))
	hash, err := v.Hash("Capitol-Hill-2026")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	res, err := v.Verify("Capitol-Hill-2026", hash)
	if err != nil || !res.Valid || res.NeedsRehash {
		t.Fatalf("verify: %+v %v", res, err)
	}
	res, err = v.Verify("capitol-hill-2026", hash)
	if err != nil || res.Valid {
		t.Fatalf("mismatch must be invalid without error: %+v %v", res, err)
	}

	stronger := NewBcryptVerifier(WithCost(bcrypt.MinCost + 1))
	res, err = stronger.Verify("Capitol-Hill-2026", hash)
	if err != nil || !res.Valid || !res.NeedsRehash {
		t.Fatalf("cost change must request rehash: %+v %v", res, err)
	}

	if _, err := v.Verify("x", ""); err == nil {
		t.Fatal("empty hash must error")
	}
	if _, err := v.Hash(""); err == nil {
		t.Fatal("empty password must error")
	}
}

func TestPasswordPolicy(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		password string
		want     []PolicyViolation
	}{
		{"Capitol-Hill-2026", nil},
		{"Sh0rt!", []PolicyViolation{ViolationTooShort}},
		{"alllowercaseletters", []PolicyViolation{ViolationLowComplexity}},
		{"Password1234!", []PolicyViolation{ViolationCommon}},
		{"PASSWORD1234!", []PolicyViolation{ViolationCommon}},
		{"Aa1!" + strings.Repeat("x", 70), []PolicyViolation{ViolationTooLong}},
	}
	for _, tc := range cases {
		got := p.Check(tc.password)
		if len(got) != len(tc.want) {
			t.Fatalf("Check(%q) = %v, want %v", tc.password, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Check(%q) = %v, want %v", tc.password, got, tc.want)
			}
		}
	}
}
