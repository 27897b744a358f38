package auth

import (
	"bufio"
	_ "embed"
	"strings"
	"sync"
	"unicode"
)

// PolicyViolation names one broken password rule.
type PolicyViolation string

const (
	ViolationTooShort      PolicyViolation = "too_short"
	ViolationTooLong       PolicyViolation = "too_long"
	ViolationLowComplexity PolicyViolation = "low_complexity"
	ViolationCommon        PolicyViolation = "common"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordBytes = 72

// PasswordPolicy describes strength requirements for new passwords.
type PasswordPolicy struct {
	MinLength int
	// MinClasses is how many of lower, upper, digit and symbol must appear.
	MinClasses int
	// RejectCommon enables the embedded common-password list.
	RejectCommon bool
}

// DefaultPolicy requires 12 characters drawn from three character classes.
func DefaultPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 12, MinClasses: 3, RejectCommon: true}
}

// Check returns the violated rules, or nil when the password is acceptable.
func (p PasswordPolicy) Check(password string) []PolicyViolation {
	var out []PolicyViolation
	if len([]rune(password)) < p.MinLength {
		out = append(out, ViolationTooShort)
	}
	if len(password) > maxPasswordBytes {
		out = append(out, ViolationTooLong)
	}
	if characterClasses(password) < p.MinClasses {
		out = append(out, ViolationLowComplexity)
	}
	if p.RejectCommon && isCommonPassword(password) {
		out = append(out, ViolationCommon)
	}
	return out
}

func characterClasses(s string) int {
	var lower, upper, digit, symbol bool
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	n := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			n++
		}
	}
	return n
}

//go:embed common_passwords.txt
var commonPasswordsRaw string

var (
	commonOnce      sync.Once
	commonPasswords map[string]struct{}
)

func isCommonPassword(password string) bool {
	commonOnce.Do(func() {
		commonPasswords = make(map[string]struct{})
		sc := bufio.NewScanner(strings.NewReader(commonPasswordsRaw))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			commonPasswords[strings.ToLower(line)] = struct{}{}
		}
	})
	_, ok := commonPasswords[strings.ToLower(strings.TrimSpace(password))]
	return ok
}

func hasViolation(vs []PolicyViolation, want PolicyViolation) bool {
	for _, v := range vs {
		if v == want {
			return true
		}
	}
	return false
}
