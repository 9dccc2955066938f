package engine

// IsReactionCode reports whether code is a single emoji grapheme: one
// emoji-range rune optionally followed by variation selectors, skin
// modifiers, a keycap, or further emoji joined by ZWJ. Sequences of
// independent emoji and plain text are rejected.
func IsReactionCode(code string) bool {
	runes := []rune(code)
	if len(runes) == 0 || len(runes) > 10 {
		return false
	}
	if !isEmojiRune(runes[0]) {
		return false
	}

	afterJoiner := false
	for _, r := range runes[1:] {
		switch {
		case r == zwj:
			afterJoiner = true
		case isCombiner(r):
			afterJoiner = false
		case isEmojiRune(r):
			if !afterJoiner {
				return false
			}
			afterJoiner = false
		default:
			return false
		}
	}
	return !afterJoiner
}

const zwj = 0x200D

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, flags, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF: // arrows, stars
		return true
	case r >= 0x2190 && r <= 0x21FF: // arrows
		return true
	}
	return false
}

func isCombiner(r rune) bool {
	switch {
	case r == 0xFE0F || r == 0xFE0E: // variation selectors
		return true
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifiers
		return true
	case r == 0x20E3: // keycap
		return true
	}
	return false
}
