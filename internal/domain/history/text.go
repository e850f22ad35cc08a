package history

import "unicode/utf8"

// RuneLen 字符数
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// TailRunes 保留末尾 n 个字符 (最新内容优先)
func TailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-n:])
}

// HeadRunes 保留开头 n 个字符
func HeadRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
