package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は外部から取得した文字列からマークアップを取り除く。
// URLメタデータの保存前とアラートメールの本文生成前に使う。
type TextSanitizer interface {
	// StripTags は全てのタグを除去し、実体参照を復元したプレーンテキストを返す。
	// 連続する空白は1つにまとめる。
	StripTags(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

var _ TextSanitizer = (*textSanitizer)(nil)

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *textSanitizer) StripTags(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは出力をエスケープするため、プレーンテキストとして扱えるよう戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(text), " ")
}
