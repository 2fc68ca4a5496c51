package scraper

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	ligatureReplacer = strings.NewReplacer("æ", "ae", "Æ", "ae", "œ", "oe", "Œ", "oe")
	// Goの\dはASCII数字のみに一致する
	hashtagDisallowed = regexp.MustCompile(`[^\p{L}\d_]`)
)

// SanitizeHashtag はハッシュタグを集計キーとして正規化する。
// ラテン文字のアクセントを除去し、文字・数字・アンダースコア以外を取り除いて小文字化する。
// ラテン文字以外（かなの濁点など）は分解しない。
func SanitizeHashtag(tag string) string {
	tag = ligatureReplacer.Replace(tag)

	var b strings.Builder
	b.Grow(len(tag))
	for _, r := range tag {
		if r > unicode.MaxASCII && unicode.Is(unicode.Latin, r) {
			b.WriteString(stripMarks(r))
			continue
		}
		b.WriteRune(r)
	}

	return strings.ToLower(hashtagDisallowed.ReplaceAllString(b.String(), ""))
}

// stripMarks はラテン文字を正準分解し、結合文字を取り除く。
func stripMarks(r rune) string {
	var b strings.Builder
	for _, c := range norm.NFD.String(string(r)) {
		if unicode.Is(unicode.Mn, c) {
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
