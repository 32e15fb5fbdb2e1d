package script

import (
	"regexp"
	"strings"
)

// PauseMarker はSynthesizerが発話の間を指示するために埋め込むマーカー
// TTSプロバイダごとの実際の間の表現への変換はプロバイダクライアントが行います
const PauseMarker = "[pause]"

// pauseMarkerPlaceholder はブラケット除去からマーカーを保護するための一時表現
const pauseMarkerPlaceholder = "\x00pause\x00"

var (
	bracketRe      = regexp.MustCompile(`\[[^\[\]]*\]`)
	headingRe      = regexp.MustCompile(`(?m)^#+\s*`)
	sectionLabelRe = regexp.MustCompile(`(?mi)^(greeting|weather|calendar|news|sports|stocks|quote|closing|close|intro|outro)\s*[:：—–-]\s*`)
	urlRe          = regexp.MustCompile(`https?://\S+`)
	spaceCommaRe   = regexp.MustCompile(`\s+,`)
	multiCommaRe   = regexp.MustCompile(`,{2,}`)
	lineSpaceRe    = regexp.MustCompile(`[ \t]{2,}`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// Sanitize は生成されたテキストを読み上げ向けに整形します
// マークダウン・ブラケット内のト書き（PauseMarkerは保持）・セクションラベル・
// 重複挨拶・URLを除去し、段落あたりの間の密度（三点リーダー1回まで、
// ダッシュ2回まで）を制限し、空白を圧縮します
// この関数は冪等です: Sanitize(Sanitize(x)) == Sanitize(x)
func Sanitize(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "…", "...")

	// PauseMarkerを保護してからブラケット内のト書きを除去する
	text = strings.ReplaceAll(text, PauseMarker, pauseMarkerPlaceholder)
	text = bracketRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, pauseMarkerPlaceholder, PauseMarker)

	// マークダウン記法の除去
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	text = strings.ReplaceAll(text, "*", "")
	text = strings.ReplaceAll(text, "`", "")
	text = headingRe.ReplaceAllString(text, "")

	text = sectionLabelRe.ReplaceAllString(text, "")
	text = urlRe.ReplaceAllString(text, "")

	text = dropDuplicateGreetings(text)
	text = limitPauseDensity(text)
	text = collapseWhitespace(text)

	return text
}

// WordCount はPauseMarkerを除いた単語数を数えます
func WordCount(text string) int {
	count := 0
	for _, field := range strings.Fields(text) {
		if field == PauseMarker {
			continue
		}
		count++
	}
	return count
}

// dropDuplicateGreetings は最初の挨拶以降に現れる挨拶行を取り除きます
func dropDuplicateGreetings(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	seenGreeting := false
	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		isGreeting := strings.HasPrefix(lower, "good morning") || strings.HasPrefix(lower, "rise and shine")
		if isGreeting {
			if seenGreeting {
				continue
			}
			seenGreeting = true
		}
		kept = append(kept, line)
	}

	return strings.Join(kept, "\n")
}

// limitPauseDensity は段落ごとに句読点ベースの間を制限します
// 三点リーダーは1回まで、ダッシュは2回まで、超過分はカンマへ置き換えます
func limitPauseDensity(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	for i, p := range paragraphs {
		p = limitOccurrences(p, "...", 1, ",")
		p = limitOccurrences(p, "—", 2, ",")
		p = spaceCommaRe.ReplaceAllString(p, ",")
		p = multiCommaRe.ReplaceAllString(p, ",")
		paragraphs[i] = p
	}
	return strings.Join(paragraphs, "\n\n")
}

// limitOccurrences は先頭からkeep回を残し、以降の出現をreplacementへ置き換えます
func limitOccurrences(s, substr string, keep int, replacement string) string {
	count := strings.Count(s, substr)
	if count <= keep {
		return s
	}

	var b strings.Builder
	remaining := s
	seen := 0
	for {
		idx := strings.Index(remaining, substr)
		if idx < 0 {
			b.WriteString(remaining)
			break
		}
		b.WriteString(remaining[:idx])
		seen++
		if seen <= keep {
			b.WriteString(substr)
		} else {
			b.WriteString(replacement)
		}
		remaining = remaining[idx+len(substr):]
	}
	return b.String()
}

// collapseWhitespace は行内の連続空白と3行以上の空行を圧縮します
func collapseWhitespace(text string) string {
	text = lineSpaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")

	text = multiNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
