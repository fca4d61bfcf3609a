// internal/services/parser_repair.go
package services

import (
	"strings"
	"unicode"
)

// RepairPass 对原始生成文本做一次独立的修复变换
// 返回变换后的字符串；无法修复或无需修复时原样返回
type RepairPass func(string) string

// defaultRepairPipeline 按从左到右的顺序组合修复步骤
// 结构校验之前所有脆弱的文本处理都集中在这里，每一步可单独测试
var defaultRepairPipeline = []RepairPass{
	stripNoiseCharacters,
	stripMarkdownFences,
	trimToJSONBoundary,
	normalizePunctuation,
	balanceJSONBrackets,
}

// RepairJSONText 对原始文本依次应用全部修复步骤
func RepairJSONText(raw string) string {
	s := raw
	for _, pass := range defaultRepairPipeline {
		s = pass(s)
	}
	return s
}

// jsonNoiseReplacer 统一替换常见噪声与Markdown标记
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\uFEFF", "",
	" ", " ",
	" ", "\n",
	" ", "\n",
)

// stripMarkdownFences 去除Markdown代码围栏
func stripMarkdownFences(s string) string {
	return strings.TrimSpace(jsonNoiseReplacer.Replace(s))
}

// stripNoiseCharacters 移除零宽字符及除换行/制表符外的控制字符
func stripNoiseCharacters(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '​', '‌', '‍', '⁠', '\uFEFF':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// trimToJSONBoundary 丢弃最外层JSON对象/数组之前的所有前导散文
func trimToJSONBoundary(s string) string {
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}
	return strings.TrimSpace(s[start:])
}

var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'；': ';',
	'﹔': ';',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

var quotePairs = map[rune]rune{
	'"': '"',
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'」': '」',
	'『': '』',
}

// normalizePunctuation 将字符串外的全角标点规范化为JSON结构标点
// 字符串内部的内容保持原样
func normalizePunctuation(s string) string {
	if s == "" {
		return s
	}

	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	currentClosing := '"'

	for _, r := range s {
		if inString {
			if !escaped && r == '\\' {
				escaped = true
				builder.WriteRune(r)
				continue
			}
			if escaped {
				escaped = false
				builder.WriteRune(r)
				continue
			}
			if r == currentClosing || r == '"' {
				inString = false
				currentClosing = '"'
				builder.WriteRune('"')
				continue
			}
			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			r = replacement
		} else if closing, ok := quotePairs[r]; ok {
			inString = true
			currentClosing = closing
			builder.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			currentClosing = '"'
			builder.WriteRune(r)
			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

// balanceJSONBrackets 截取到最外层括号配平的位置，丢弃其后的尾随散文
func balanceJSONBrackets(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	isArray := s[0] == '['
	if !isArray && s[0] != '{' {
		return s
	}

	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 没有配平的结束符时回退：截到最后一个结束符
	end := strings.LastIndex(s, "}")
	if isArray {
		end = strings.LastIndex(s, "]")
	}
	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}

	return s
}
