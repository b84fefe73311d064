package nodes

import (
	"regexp"
)

const (
	maskedEmail = "[redacted email]"
	maskedPhone = "[redacted phone]"
)

var (
	emailRE = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Phone shapes, narrowest interpretation that still catches the
	// common formats: international numbers with a + prefix,
	// parenthesized area codes, groups of 3-4 digits joined by
	// separators, or a bare 9-12 digit run. Unprefixed digit groups
	// shorter than three are left alone so dates and money amounts
	// (2025-08-31, 1,234.56) survive masking.
	phoneRE = regexp.MustCompile(`\+\d{1,3}[ \-.]?(\(\d{2,4}\)[ \-.]?)?\d{2,4}([ \-.]\d{2,4}){1,3}|(\d{1,3}[ \-.]?)?\(\d{2,4}\)[ \-.]?\d{3,4}[ \-.]?\d{3,4}|\b\d{3,4}([ \-.]\d{3,4}){2}\b|\b\d{9,12}\b`)
)

// MaskPII replaces email addresses and phone numbers in text with
// redaction markers. Returns the masked text and whether anything was
// replaced.
func MaskPII(text string) (string, bool) {
	masked := emailRE.ReplaceAllString(text, maskedEmail)
	masked = phoneRE.ReplaceAllString(masked, maskedPhone)
	return masked, masked != text
}
