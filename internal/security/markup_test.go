package security

import "testing"

func TestMarkupDetector_ContainsMarkup(t *testing.T) {
	detector := NewMarkupDetector()

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"プレーンテキスト", "Alice", false},
		{"日本語", "山田 太郎", false},
		{"アポストロフィ", "O'Brien", false},
		{"アンパサンド", "Tom & Jerry", false},
		{"比較記号", "a < b && c > d", false},
		{"エンティティはテキスト扱い", "&lt;b&gt;", false},
		{"空文字列", "", false},
		{"タグ", "<b>Alice</b>", true},
		{"script", "<script>alert(1)</script>", true},
		{"イベント属性付きタグ", `<img src=x onerror="alert(1)">`, true},
		{"タグとして解釈される比較", "a<b and c>d", true},
		{"空のタグ", "<p></p>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detector.ContainsMarkup(tt.input); got != tt.want {
				t.Errorf("ContainsMarkup(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
