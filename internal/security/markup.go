// Package security はユーザー入力に含まれるマークアップの検出を提供する。
package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// MarkupDetector は入力がHTMLタグを含むかどうかを判定する。
// 入力を書き換えることはしない。
type MarkupDetector struct {
	policy *bluemonday.Policy
}

// NewMarkupDetector はタグを一切許可しないポリシーでMarkupDetectorを生成する。
func NewMarkupDetector() *MarkupDetector {
	return &MarkupDetector{policy: bluemonday.StrictPolicy()}
}

// ContainsMarkup はsがタグとして解釈される部分を含む場合にtrueを返す。
// エンティティや単独の比較記号はテキストとして扱う。
func (d *MarkupDetector) ContainsMarkup(s string) bool {
	// 出力はテキスト部分がエスケープされるため、比較前に戻す
	return html.UnescapeString(d.policy.Sanitize(s)) != html.UnescapeString(s)
}
