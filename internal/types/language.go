package types

import "unicode"

// DetectLanguage classifies text as Hebrew, English, mixed, or none based on
// the scripts present. Used for item tagging and bilingual entity handling.
func DetectLanguage(text string) Language {
	var hebrew, latin bool
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hebrew, r):
			hebrew = true
		case unicode.IsLetter(r) && r < 128:
			latin = true
		}
		if hebrew && latin {
			return LanguageMixed
		}
	}
	switch {
	case hebrew:
		return LanguageHebrew
	case latin:
		return LanguageEnglish
	}
	return LanguageNone
}
