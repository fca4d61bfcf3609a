// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 生成后端配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	// 编排默认配置
	Orchestration OrchestrationDefaults `json:"orchestration"`
}

// OrchestrationDefaults 编排引擎的进程级默认参数
// 运行时可通过设置接口调整，按调用浅合并覆盖
type OrchestrationDefaults struct {
	Mode                 string  `json:"mode"`           // single_call / multi_call / auto
	MaxResponders        int     `json:"max_responders"` // 上限3
	IncludeGestures      bool    `json:"include_gestures"`
	IncludeInterruptions bool    `json:"include_interruptions"`
	Verbosity            string  `json:"verbosity"`
	FallbackEnabled      bool    `json:"fallback_enabled"`
	ContinuationChance   float64 `json:"continuation_chance"`    // 上一个发言者继续发言的概率
	InterruptionChance   float64 `json:"interruption_chance"`    // 插话概率
	ReactionChance       float64 `json:"reaction_chance"`        // 反应概率
	MinMessagesBefore    int     `json:"min_messages_before"`    // 允许插话前的最少助手消息数
	IdleDelaySeconds     int     `json:"idle_delay_seconds"`     // 进入空闲状态的无操作时长
	IdleSettleSeconds    int     `json:"idle_settle_seconds"`    // 重新进入空闲前的沉降时长
	StaggerMinMs         int     `json:"stagger_min_ms"`         // 多调用策略的最小间隔
	StaggerMaxMs         int     `json:"stagger_max_ms"`         // 多调用策略的最大间隔
	AutoWindowSize       int     `json:"auto_window_size"`       // auto 模式评估的滚动窗口
	AutoSuccessThreshold float64 `json:"auto_success_threshold"` // auto 模式 single_call 成功率阈值
}

// DefaultOrchestration 返回编排默认参数
func DefaultOrchestration() OrchestrationDefaults {
	return OrchestrationDefaults{
		Mode:                 "auto",
		MaxResponders:        3,
		IncludeGestures:      true,
		IncludeInterruptions: true,
		Verbosity:            "balanced",
		FallbackEnabled:      true,
		ContinuationChance:   0.2,
		InterruptionChance:   0.35,
		ReactionChance:       0.5,
		MinMessagesBefore:    2,
		IdleDelaySeconds:     30,
		IdleSettleSeconds:    5,
		StaggerMinMs:         500,
		StaggerMaxMs:         2000,
		AutoWindowSize:       20,
		AutoSuccessThreshold: 0.8,
	}
}

// Config 存储基础应用配置
type Config struct {
	Port      string
	APIKey    string
	DataDir   string
	LogDir    string
	DebugMode bool
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:      getEnv("PORT", "8080"),
		APIKey:    getEnv("LLM_API_KEY", ""),
		DataDir:   getEnvPath("DATA_DIR", "data"),
		LogDir:    getEnvPath("LOG_DIR", "logs"),
		DebugMode: getEnvBool("DEBUG_MODE", true),
	}

	if config.APIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置生成后端API密钥，需要通过设置接口配置后才能生成对话")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:          baseConfig.Port,
		DataDir:       baseConfig.DataDir,
		LogDir:        baseConfig.LogDir,
		DebugMode:     baseConfig.DebugMode,
		LLMProvider:   getEnv("LLM_PROVIDER", "openai"),
		LLMConfig:     map[string]string{},
		Orchestration: DefaultOrchestration(),
	}

	if baseConfig.APIKey != "" {
		currentConfig.LLMConfig["api_key"] = baseConfig.APIKey
	}
	if model := getEnv("LLM_MODEL", ""); model != "" {
		currentConfig.LLMConfig["default_model"] = model
	}

	// 配置文件存在时，文件内容覆盖环境默认值
	if data, err := os.ReadFile(configFile); err == nil {
		var fileConfig AppConfig
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return fmt.Errorf("解析配置文件失败: %w", err)
		}
		mergeFileConfig(currentConfig, &fileConfig)
	}

	return nil
}

// mergeFileConfig 将文件配置中的非空字段合并到当前配置
func mergeFileConfig(base *AppConfig, override *AppConfig) {
	if override.Port != "" {
		base.Port = override.Port
	}
	if override.LLMProvider != "" {
		base.LLMProvider = override.LLMProvider
	}
	for k, v := range override.LLMConfig {
		base.LLMConfig[k] = v
	}
	if override.Orchestration.Mode != "" {
		base.Orchestration = override.Orchestration
	}
}

// GetCurrentConfig 获取当前配置（只读副本）
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return &AppConfig{
			Port:          "8080",
			DataDir:       "data",
			LogDir:        "logs",
			Orchestration: DefaultOrchestration(),
		}
	}

	copied := *currentConfig
	copied.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		copied.LLMConfig[k] = v
	}
	return &copied
}

// UpdateConfig 更新当前配置并落盘
func UpdateConfig(update func(*AppConfig)) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	update(currentConfig)

	return saveConfigLocked()
}

// saveConfigLocked 持有写锁时保存配置文件
func saveConfigLocked() error {
	if configFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}

	return nil
}
