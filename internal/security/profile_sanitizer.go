// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer は外部IdPから受け取った氏名などのプロフィール文字列から
// マークアップを除去し、保存可能なプレーンテキストに正規化する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength は氏名として保存する最大文字数（accountsテーブルの列長）。
const MaxNameLength = 256

// ProfileSanitizer はプロフィール文字列のサニタイズを行う。
// bluemondayのポリシーはスレッドセーフに使用できる。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はすべてのタグを除去するポリシーでProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeName はタグを除去し、空白を正規化して最大長で切り詰める。
// bluemondayがエスケープした文字はプレーンテキストに戻す。
func (s *ProfileSanitizer) SanitizeName(raw string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	name := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(name) > MaxNameLength {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:MaxNameLength]))
	}
	return name
}
