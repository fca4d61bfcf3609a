// internal/services/parser_repair_test.go
package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripMarkdownFences(t *testing.T) {
	raw := "```json\n{\"key\": \"value\"}\n```"
	assert.Equal(t, `{"key": "value"}`, stripMarkdownFences(raw))
}

func TestTrimToJSONBoundary(t *testing.T) {
	raw := "Sure! Here is the scene you asked for:\n{\"timelines\": []}"
	assert.Equal(t, `{"timelines": []}`, trimToJSONBoundary(raw))

	// 没有JSON边界时原样返回
	assert.Equal(t, "no json here", trimToJSONBoundary("no json here"))
}

func TestNormalizePunctuation(t *testing.T) {
	// 字符串外的全角标点被规范化
	raw := `{"a"：1，"b"：2}`
	assert.Equal(t, `{"a":1,"b":2}`, normalizePunctuation(raw))

	// 字符串内部的标点保持原样
	raw = `{"content": "你好：这是台词，保持不变"}`
	out := normalizePunctuation(raw)
	assert.Contains(t, out, "你好：这是台词，保持不变")
}

func TestNormalizePunctuationSmartQuotes(t *testing.T) {
	raw := `{“key”: “value”}`
	out := normalizePunctuation(raw)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "value", decoded["key"])
}

func TestBalanceJSONBrackets(t *testing.T) {
	// 配平位置之后的尾随散文被截断
	raw := `{"a": 1} and that concludes the scene.`
	assert.Equal(t, `{"a": 1}`, balanceJSONBrackets(raw))

	// 不配平时回退到最后一个结束符
	raw = `{"a": {"b": 1}`
	assert.Equal(t, `{"a": {"b": 1}`, balanceJSONBrackets(raw))

	// 数组同理
	raw = `[1, 2, 3] trailing`
	assert.Equal(t, `[1, 2, 3]`, balanceJSONBrackets(raw))
}

func TestRepairJSONTextPipeline(t *testing.T) {
	raw := "Here you go:\n```json\n{\"timelines\"：[]}\n```\nHope this helps!"
	out := RepairJSONText(raw)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "timelines")
}

func TestStripNoiseCharacters(t *testing.T) {
	raw := "{\"a\"\u200b: 1}\x00"
	assert.Equal(t, `{"a": 1}`, stripNoiseCharacters(raw))
}

func TestStripNoiseCharactersRemovesBOM(t *testing.T) {
	raw := "\ufeff{\"a\": 1\ufeff}"
	assert.Equal(t, `{"a": 1}`, stripNoiseCharacters(raw))
	assert.Equal(t, `{"a": 1}`, stripMarkdownFences("\ufeff{\"a\": 1}"))
}
