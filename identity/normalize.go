// Package identity normalizes external product identifiers and caliber
// strings so the same round listed by two retailers compares equal.
package identity

import (
	"regexp"
	"strings"

	"ammoharvest/models"
)

var (
	caliberAliases = map[string]string{
		"9mm luger":      "9mm",
		"9x19":           "9mm",
		"9x19mm":         "9mm",
		"5.56 nato":      "5.56x45mm",
		"5.56mm":         "5.56x45mm",
		"223 rem":        ".223 remington",
		"223 remington":  ".223 remington",
		"45 acp":         ".45 acp",
		"45 auto":        ".45 acp",
		"12 gauge":       "12ga",
		"12 ga":          "12ga",
		"22 lr":          ".22 lr",
		"22lr":           ".22 lr",
		"308 win":        ".308 winchester",
		"308 winchester": ".308 winchester",
		"7.62x39mm":      "7.62x39",
	}
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonDigitRegex   = regexp.MustCompile(`[^0-9]`)
)

// NormalizeCaliber collapses common caliber spellings to one form. Unknown
// calibers pass through lowercased and space-collapsed.
func NormalizeCaliber(caliber string) string {
	c := strings.ToLower(strings.TrimSpace(caliber))
	c = multiSpaceRegex.ReplaceAllString(c, " ")
	if canonical, ok := caliberAliases[c]; ok {
		return canonical
	}
	return c
}

// NormalizeIdentifier canonicalizes one external id value per its type.
// UPCs keep digits only; everything else is uppercased and trimmed.
func NormalizeIdentifier(idType, value string) string {
	switch idType {
	case models.IDTypeUPC:
		return nonDigitRegex.ReplaceAllString(value, "")
	default:
		return strings.ToUpper(strings.TrimSpace(value))
	}
}

// ValidUPC checks length and GTIN check digit for a normalized UPC/EAN.
func ValidUPC(upc string) bool {
	if len(upc) != 12 && len(upc) != 13 {
		return false
	}
	sum := 0
	// Check digit weighting runs right to left: 3-1-3... starting beside
	// the check digit.
	for i := 0; i < len(upc)-1; i++ {
		d := int(upc[len(upc)-2-i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if i%2 == 0 {
			sum += d * 3
		} else {
			sum += d
		}
	}
	check := (10 - sum%10) % 10
	return int(upc[len(upc)-1]-'0') == check
}
