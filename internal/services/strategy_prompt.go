// internal/services/strategy_prompt.go
package services

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Corphon/StageTalkMCP/internal/models"
)

// isEnglishText 检测文本是否以英文为主
func isEnglishText(text string) bool {
	if text == "" {
		return true
	}

	var letters, ascii int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if r <= unicode.MaxASCII {
				ascii++
			}
		}
	}

	if letters == 0 {
		return true
	}
	return float64(ascii)/float64(letters) > 0.5
}

// profilesLanguage 根据角色档案检测提示词语言
func profilesLanguage(profiles []*models.CharacterProfile) bool {
	var sample strings.Builder
	for _, p := range profiles {
		sample.WriteString(p.Name)
		sample.WriteString(" ")
		sample.WriteString(p.Description)
	}
	return isEnglishText(sample.String())
}

func vocabularyList(vocabulary map[string]bool) string {
	values := make([]string, 0, len(vocabulary))
	for v := range vocabulary {
		values = append(values, v)
	}
	sort.Strings(values)
	return strings.Join(values, ", ")
}

// writeSceneSchema 写出场景响应的JSON契约（scene_response v1）
// 该契约是本系统与生成后端之间的事实协议，字段与枚举保持稳定以便提示词迭代
func writeSceneSchema(prompt *strings.Builder, isEnglish bool) {
	if isEnglish {
		prompt.WriteString("Respond with ONLY a JSON object in exactly this structure, no prose before or after:\n")
	} else {
		prompt.WriteString("只输出一个符合以下结构的JSON对象，前后不得有任何散文：\n")
	}

	prompt.WriteString(`{
  "timelines": [
    {
      "character": "<character ID>",
      "content": "<spoken line>",
      "start_delay": 0,
      "segments": [
        {
          "animation": "<animation>",
          "duration": 1200,
          "is_talking": true,
          "text_range": [0, 12],
          "complementary": {
            "look_direction": "<look_direction>",
            "eye_state": "<eye_state>",
            "mouth_state": "<mouth_state>",
            "eyebrow_state": "<eyebrow_state>",
            "speed": 1.0
          }
        }
      ]
    }
  ]
}
`)

	if isEnglish {
		prompt.WriteString("\nStrict rules:\n")
		prompt.WriteString("- \"character\" must be a character ID from the list above, never a display name\n")
		prompt.WriteString("- \"content\" is pure dialogue: no \"[Name]: \" prefixes, no stage directions\n")
		prompt.WriteString("- all timing fields are integers in milliseconds, every duration > 0\n")
		prompt.WriteString("- the first timeline's \"start_delay\" must be 0\n")
		prompt.WriteString(fmt.Sprintf("- \"animation\" must be one of: %s\n", vocabularyList(models.AnimationVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"look_direction\" must be one of: %s\n", vocabularyList(models.LookVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"eye_state\" must be one of: %s\n", vocabularyList(models.EyeVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"mouth_state\" must be one of: %s\n", vocabularyList(models.MouthVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"eyebrow_state\" must be one of: %s\n", vocabularyList(models.BrowVocabulary)))
	} else {
		prompt.WriteString("\n严格规则：\n")
		prompt.WriteString("- \"character\" 必须是上面列出的角色ID，绝不能用显示名称\n")
		prompt.WriteString("- \"content\" 是纯台词：不含 \"[名字]: \" 前缀，不含舞台说明\n")
		prompt.WriteString("- 所有时间字段为毫秒整数，每个 duration 必须大于0\n")
		prompt.WriteString("- 第一条时间线的 \"start_delay\" 必须为0\n")
		prompt.WriteString(fmt.Sprintf("- \"animation\" 必须是以下之一: %s\n", vocabularyList(models.AnimationVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"look_direction\" 必须是以下之一: %s\n", vocabularyList(models.LookVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"eye_state\" 必须是以下之一: %s\n", vocabularyList(models.EyeVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"mouth_state\" 必须是以下之一: %s\n", vocabularyList(models.MouthVocabulary)))
		prompt.WriteString(fmt.Sprintf("- \"eyebrow_state\" 必须是以下之一: %s\n", vocabularyList(models.BrowVocabulary)))
	}
}

// writeCharacterRoster 写出参与角色的描述信息
func writeCharacterRoster(prompt *strings.Builder, profiles []*models.CharacterProfile, positions map[string]string, isEnglish bool) {
	if isEnglish {
		prompt.WriteString("Characters in this scene:\n")
	} else {
		prompt.WriteString("场景中的角色：\n")
	}

	for _, p := range profiles {
		if isEnglish {
			prompt.WriteString(fmt.Sprintf("- ID: %s | Name: %s | Position: %s\n", p.ID, p.Name, positions[p.ID]))
			prompt.WriteString(fmt.Sprintf("  Description: %s\n", p.Description))
			if p.Personality != "" {
				prompt.WriteString(fmt.Sprintf("  Personality: %s\n", p.Personality))
			}
			if p.SpeechStyle != "" {
				prompt.WriteString(fmt.Sprintf("  Speech style: %s\n", p.SpeechStyle))
			}
		} else {
			prompt.WriteString(fmt.Sprintf("- ID: %s | 名字: %s | 站位: %s\n", p.ID, p.Name, positions[p.ID]))
			prompt.WriteString(fmt.Sprintf("  描述: %s\n", p.Description))
			if p.Personality != "" {
				prompt.WriteString(fmt.Sprintf("  性格: %s\n", p.Personality))
			}
			if p.SpeechStyle != "" {
				prompt.WriteString(fmt.Sprintf("  说话风格: %s\n", p.SpeechStyle))
			}
		}
	}
	prompt.WriteString("\n")
}

// writeRecentHistory 写出近期对话历史
func writeRecentHistory(prompt *strings.Builder, history []models.ConversationMessage, nameByID map[string]string, isEnglish bool) {
	if len(history) == 0 {
		return
	}

	if isEnglish {
		prompt.WriteString("Recent conversation history:\n")
	} else {
		prompt.WriteString("近期对话历史：\n")
	}

	for _, msg := range history {
		speaker := "User"
		if !isEnglish {
			speaker = "用户"
		}
		if msg.Role == models.RoleAssistant {
			speaker = msg.CharacterID
			if name, ok := nameByID[msg.CharacterID]; ok {
				speaker = name
			}
		}
		prompt.WriteString(fmt.Sprintf("%s: %s\n", speaker, msg.Content))
	}
	prompt.WriteString("\n")
}

// verbosityHint 回复长度指引
func verbosityHint(verbosity string, isEnglish bool) string {
	if isEnglish {
		switch verbosity {
		case models.VerbosityBrief:
			return "Keep each line short, one or two sentences."
		case models.VerbosityDetailed:
			return "Lines may be longer and more elaborate, up to four sentences."
		default:
			return "Keep each line natural, two or three sentences."
		}
	}

	switch verbosity {
	case models.VerbosityBrief:
		return "每句台词保持简短，一到两句话。"
	case models.VerbosityDetailed:
		return "台词可以更长更细致，最多四句话。"
	default:
		return "每句台词保持自然，两到三句话。"
	}
}
