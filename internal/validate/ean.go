package validate

// EAN13CheckDigit computes the check digit for the first 12 digits of code.
// Weights alternate 1,3 starting at the first digit. It returns -1 when the
// input is shorter than 12 digits or contains a non-digit.
func EAN13CheckDigit(code string) int {
	if len(code) < 12 {
		return -1
	}
	sum := 0
	for i := 0; i < 12; i++ {
		d := code[i]
		if d < '0' || d > '9' {
			return -1
		}
		w := 1
		if i%2 == 1 {
			w = 3
		}
		sum += int(d-'0') * w
	}
	return (10 - sum%10) % 10
}

// ValidEAN13 reports whether code is 13 digits with a correct check digit.
func ValidEAN13(code string) bool {
	if len(code) != 13 {
		return false
	}
	want := EAN13CheckDigit(code)
	last := code[12]
	if want < 0 || last < '0' || last > '9' {
		return false
	}
	return int(last-'0') == want
}
