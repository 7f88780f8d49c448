package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDescriptionLength はエラー説明として表示する最大文字数。
const MaxDescriptionLength = 200

// TextSanitizer はIDプロバイダやクエリ文字列から受け取った外部由来の文字列を
// 画面表示・リダイレクトパラメータ用のプレーンテキストに変換する。
type TextSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewTextSanitizer はすべてのHTMLタグを除去するサニタイザを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: MaxDescriptionLength,
	}
}

// Sanitize はタグと制御文字を除去し、空白を正規化して最大長で切り詰める。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// bluemondayはテキストをエスケープして返すため、表示側でのエスケープに任せて戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > s.maxLen {
		runes := []rune(cleaned)
		cleaned = string(runes[:s.maxLen])
	}
	return cleaned
}
