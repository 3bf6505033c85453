package encryption

import "strings"

type FieldKind int

const (
	KindGeneric FieldKind = iota
	KindCardNumber
	KindSSN
	KindPhone
	KindBankAccount
)

// Mask renders a display-safe version of value that reveals at most the
// last four digits.
func Mask(kind FieldKind, value string) string {
	last := lastDigits(value, 4)
	switch kind {
	case KindCardNumber:
		return "****-****-****-" + last
	case KindSSN:
		return "***-**-" + last
	case KindPhone:
		return "***-***-" + last
	case KindBankAccount:
		return "****" + last
	default:
		return MaskMiddle(value)
	}
}

// MaskMiddle keeps the first and last two characters of s. Values of four
// characters or fewer are fully masked.
func MaskMiddle(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}

func lastDigits(value string, n int) string {
	var digits []byte
	for i := 0; i < len(value); i++ {
		if value[i] >= '0' && value[i] <= '9' {
			digits = append(digits, value[i])
		}
	}
	if len(digits) < n {
		return strings.Repeat("*", n)
	}
	return string(digits[len(digits)-n:])
}
