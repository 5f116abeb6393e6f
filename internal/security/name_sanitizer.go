package security

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// NameSanitizerService はIdPから受け取った表示名を平文に整える機能を定義する。
type NameSanitizerService interface {
	// Sanitize はHTMLタグと制御文字を除去し、連続する空白を1つにまとめる。
	// maxRunesが正の場合はその文字数で切り詰める。
	Sanitize(raw string, maxRunes int) string
}

// nameSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
// ポリシーはスレッドセーフ。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerServiceの新しいインスタンスを生成する。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は表示名を平文に整える。
// エスケープ済みのタグも一度デコードしてから除去する。
func (s *nameSanitizer) Sanitize(raw string, maxRunes int) string {
	text := html.UnescapeString(raw)
	text = s.policy.Sanitize(text)
	text = html.UnescapeString(text)

	text = strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = strings.TrimSpace(string([]rune(text)[:maxRunes]))
	}
	return text
}
