// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorForbidden     = "FORBIDDEN"

	// 角色相关错误
	ErrorCharacterNotFound = "CHARACTER_NOT_FOUND"
	ErrorCharacterInvalid  = "CHARACTER_INVALID"

	// 编排相关错误
	ErrorOrchestrationFailed    = "ORCHESTRATION_FAILED"
	ErrorOrchestrationTotalFail = "ORCHESTRATION_TOTAL_FAILURE"
	ErrorInsufficientCharacters = "INSUFFICIENT_CHARACTERS"
	ErrorInvalidOrchestration   = "INVALID_ORCHESTRATION_PARAMS"

	// 空闲编排相关错误
	ErrorIdleSceneFailed = "IDLE_SCENE_FAILED"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"

	// 设置相关错误
	ErrorSettingsInvalid = "SETTINGS_INVALID"

	// 会话相关错误
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
)
