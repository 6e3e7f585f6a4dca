package security

import (
	"strings"
	"testing"
)

// TestSanitize_AllowedTags はショーノートで使われる許可タグが通過することを検証する。
func TestSanitize_AllowedTags(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "pタグが許可される",
			input:        "<p>今回のエピソードについて</p>",
			wantContains: []string{"<p>今回のエピソードについて</p>"},
		},
		{
			name:         "リスト（ul/li）が許可される",
			input:        "<ul><li>トピック1</li><li>トピック2</li></ul>",
			wantContains: []string{"<ul>", "<li>トピック1</li>", "<li>トピック2</li>", "</ul>"},
		},
		{
			name:         "aタグが許可される",
			input:        `<a href="https://example.com/shownotes">ショーノート</a>`,
			wantContains: []string{"<a", "https://example.com/shownotes", "ショーノート", "</a>"},
		},
		{
			name:         "strongとemが許可される",
			input:        "<strong>重要</strong>と<em>補足</em>",
			wantContains: []string{"<strong>重要</strong>", "<em>補足</em>"},
		},
		{
			name:         "blockquoteとpre/codeが許可される",
			input:        `<blockquote>引用</blockquote><pre><code>go run .</code></pre>`,
			wantContains: []string{"<blockquote>引用</blockquote>", "<pre>", "<code>go run .</code>"},
		},
		{
			name:         "https imgが許可される",
			input:        `<img src="https://example.com/artwork.jpg" alt="アートワーク">`,
			wantContains: []string{"<img", "https://example.com/artwork.jpg", `alt="アートワーク"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_ForbiddenContent は危険なタグ・属性が除去されることを検証する。
func TestSanitize_ForbiddenContent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantAbsent   []string
		wantContains []string
	}{
		{
			name:         "scriptタグが除去される",
			input:        `<p>概要</p><script>alert('xss')</script>`,
			wantAbsent:   []string{"<script", "alert"},
			wantContains: []string{"概要"},
		},
		{
			name:         "iframeタグが除去される",
			input:        `<p>概要</p><iframe src="https://evil.com"></iframe>`,
			wantAbsent:   []string{"<iframe", "evil.com"},
			wantContains: []string{"概要"},
		},
		{
			name:         "styleタグが除去される",
			input:        `<p>概要</p><style>body{display:none}</style>`,
			wantAbsent:   []string{"<style", "display:none"},
			wantContains: []string{"概要"},
		},
		{
			name:         "divは除去されるが中身は残る",
			input:        `<div><p>概要</p></div>`,
			wantAbsent:   []string{"<div"},
			wantContains: []string{"<p>概要</p>"},
		},
		{
			name:       "onclickイベント属性が除去される",
			input:      `<p onclick="alert('xss')">概要</p>`,
			wantAbsent: []string{"onclick", "alert"},
		},
		{
			name:       "img onerrorが除去される",
			input:      `<img src="https://example.com/a.jpg" onerror="alert('xss')">`,
			wantAbsent: []string{"onerror", "alert"},
		},
		{
			name:       "javascript URIが除去される",
			input:      `<a href="javascript:alert('xss')">クリック</a>`,
			wantAbsent: []string{"javascript:"},
		},
		{
			name:       "http imgが拒否される（httpsのみ許可）",
			input:      `<img src="http://example.com/a.jpg" alt="画像">`,
			wantAbsent: []string{"http://example.com/a.jpg"},
		},
		{
			name:       "data URI imgが拒否される",
			input:      `<img src="data:image/png;base64,abc" alt="画像">`,
			wantAbsent: []string{"data:image"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_AnchorAttributes はaタグにtarget="_blank"とrelが自動付与されることを検証する。
func TestSanitize_AnchorAttributes(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<a href="https://example.com" target="_self" rel="nofollow">リンク</a>`)

	if !strings.Contains(got, `target="_blank"`) {
		t.Errorf("target=\"_blank\"が付与されるべき: %q", got)
	}
	if strings.Contains(got, `target="_self"`) {
		t.Errorf("既存のtargetは上書きされるべき: %q", got)
	}
	if !strings.Contains(got, "noopener") || !strings.Contains(got, "noreferrer") {
		t.Errorf("rel=\"noopener noreferrer\"が付与されるべき: %q", got)
	}
}

// TestSanitize_PlainTextAndEmpty はプレーンテキストと空入力の取り扱いを検証する。
func TestSanitize_PlainTextAndEmpty(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, expected empty string", got)
	}

	input := "タグを含まないショーノートです。"
	if got := sanitizer.Sanitize(input); got != input {
		t.Errorf("Sanitize(%q) = %q, expected unchanged", input, got)
	}
}

// TestSanitize_Idempotent は二重サニタイズで結果が変わらないこと（冪等性）を検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := `<p>第42回: <strong>並行処理</strong>の話</p><a href="https://example.com/42">ショーノート</a>`

	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(first)

	if first != second {
		t.Errorf("二重サニタイズで結果が変わった: 1回目=%q, 2回目=%q", first, second)
	}
}

// TestSanitize_TypicalShowNotes は実際のショーノートに近い複合HTMLを検証する。
func TestSanitize_TypicalShowNotes(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := `<div class="shownotes">
<p>今回は<strong>Goの並行処理</strong>について話しました。</p>
<script>document.cookie</script>
<ul>
<li>goroutineとチャネル</li>
<li>コンテキストによるキャンセル</li>
</ul>
<img src="https://example.com/ep42.jpg" alt="第42回" onerror="alert('xss')">
<a href="https://example.com/ep42" onclick="steal()">エピソードページ</a>
</div>`

	got := sanitizer.Sanitize(input)

	for _, want := range []string{
		"<p>", "<strong>Goの並行処理</strong>",
		"<li>goroutineとチャネル</li>",
		"https://example.com/ep42.jpg",
		"エピソードページ",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("結果に %q が含まれていない: %q", want, got)
		}
	}

	for _, forbidden := range []string{
		"<script", "document.cookie", "<div", "onerror", "onclick", "steal()",
	} {
		if strings.Contains(got, forbidden) {
			t.Errorf("結果に禁止要素 %q が含まれている: %q", forbidden, got)
		}
	}
}

// TestContentSanitizerInterface はContentSanitizerServiceインターフェースの適合を検証する。
func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}
