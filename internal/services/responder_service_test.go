// internal/services/responder_service_test.go
package services

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StageTalkMCP/internal/config"
	"github.com/Corphon/StageTalkMCP/internal/models"
)

func assistantMessage(characterID string) models.ConversationMessage {
	return models.ConversationMessage{
		ID:          fmt.Sprintf("msg-%s", characterID),
		Role:        models.RoleAssistant,
		Content:     "...",
		CharacterID: characterID,
	}
}

func TestSelectRespondersEmptyInput(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(1)))
	assert.Nil(t, svc.SelectResponders(nil, nil, "", config.DefaultOrchestration()))
}

func TestSelectRespondersSingleCharacterFastPath(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(1)))

	got := svc.SelectResponders([]string{"socrates"}, nil, "", config.DefaultOrchestration())
	assert.Equal(t, []string{"socrates"}, got)
}

func TestSelectRespondersFirstTurnPicksOne(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(42)))
	selected := []string{"freud", "jung", "adler"}

	// 没有助手历史时必须恰好选一个角色开场
	history := []models.ConversationMessage{{Role: models.RoleUser, Content: "hello"}}
	got := svc.SelectResponders(selected, history, "", config.DefaultOrchestration())
	require.Len(t, got, 1)
	assert.Contains(t, selected, got[0])
}

func TestSelectRespondersBounds(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(99)))
	selected := []string{"freud", "jung", "adler"}
	history := []models.ConversationMessage{
		assistantMessage("freud"),
		assistantMessage("jung"),
		assistantMessage("adler"),
	}
	defaults := config.DefaultOrchestration()

	allowed := map[string]bool{"freud": true, "jung": true, "adler": true}
	for i := 0; i < 1000; i++ {
		got := svc.SelectResponders(selected, history, "adler", defaults)
		require.NotEmpty(t, got)
		require.LessOrEqual(t, len(got), 3)
		seen := make(map[string]bool, len(got))
		for _, id := range got {
			assert.True(t, allowed[id], "返回了未选中的角色 %s", id)
			assert.False(t, seen[id], "角色 %s 重复出现", id)
			seen[id] = true
		}
	}
}

func TestSelectRespondersLastSpeakerMostlyExcluded(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(11)))
	selected := []string{"freud", "jung", "adler"}
	history := []models.ConversationMessage{
		assistantMessage("freud"),
		assistantMessage("jung"),
	}
	defaults := config.DefaultOrchestration()

	// 上一个发言者只有较低的继续概率，跑1000轮统计其被排除的比例
	const trials = 1000
	excluded := 0
	for i := 0; i < trials; i++ {
		got := svc.SelectResponders(selected, history, "jung", defaults)
		require.NotEmpty(t, got)
		included := false
		for _, id := range got {
			if id == "jung" {
				included = true
			}
		}
		if !included {
			excluded++
		}
	}

	rate := float64(excluded) / float64(trials)
	assert.Greater(t, rate, 0.7, "刚发过言的角色应在大多数回合被排除，实测排除率 %.3f", rate)
}

func TestSelectRespondersAllPassWhenChancesAreOne(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(7)))
	selected := []string{"freud", "jung", "adler"}
	history := []models.ConversationMessage{
		assistantMessage("freud"),
		assistantMessage("jung"),
	}

	defaults := config.DefaultOrchestration()
	defaults.ContinuationChance = 1.0
	defaults.InterruptionChance = 1.0
	defaults.ReactionChance = 1.0

	got := svc.SelectResponders(selected, history, "jung", defaults)
	assert.ElementsMatch(t, selected, got)
}

func TestSelectRespondersForcedPickPrefersQuietCharacter(t *testing.T) {
	svc := NewResponderService(rand.New(rand.NewSource(3)))
	selected := []string{"freud", "jung", "adler"}
	history := []models.ConversationMessage{
		assistantMessage("freud"),
		assistantMessage("jung"),
	}

	// 所有概率归零时走强制选择路径，偏向最近没发言的角色
	defaults := config.DefaultOrchestration()
	defaults.ContinuationChance = 0
	defaults.InterruptionChance = 0
	defaults.ReactionChance = 0

	for i := 0; i < 50; i++ {
		got := svc.SelectResponders(selected, history, "jung", defaults)
		require.Len(t, got, 1)
		assert.Equal(t, "adler", got[0])
	}
}
