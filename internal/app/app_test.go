// internal/app/app_test.go
package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/llm"
)

// 提供者靠导入副作用注册；本包必须把它挂进导入图，否则工厂表是空的
func TestOpenAIProviderRegistered(t *testing.T) {
	assert.Contains(t, llm.ListProviders(), "openai")

	provider, err := llm.GetProvider("openai", map[string]string{
		"api_key": "test-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", provider.GetName())
}

func TestGetProviderRejectsUnknownName(t *testing.T) {
	_, err := llm.GetProvider("no-such-backend", map[string]string{"api_key": "k"})
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}
