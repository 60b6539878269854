package config

import (
	"os"
	"strconv"

	"chatrelay/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int    `yaml:"port"`
	UploadPort   int    `yaml:"upload_port"`
	DownloadPort int    `yaml:"download_port"`

	DBPath    string `yaml:"db_path"`
	UploadDir string `yaml:"upload_dir"`

	BadWordsPath    string `yaml:"bad_words_path"`
	ModerationAudit bool   `yaml:"moderation_audit"`

	ReadTimeout  int `yaml:"read_timeout"`  // seconds
	WriteTimeout int `yaml:"write_timeout"` // seconds

	HistoryLimit int `yaml:"history_limit"`
	FilesLimit   int `yaml:"files_limit"`

	Log logger.Config `yaml:"log"`
}

// Load reads an optional YAML file at path and applies environment overrides
// on top. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	// .env рядом с бинарником, если есть
	_ = godotenv.Load()

	cfg := &Config{
		Port:         5555,
		UploadPort:   5556,
		DownloadPort: 5557,
		DBPath:       "chatrelay.db",
		UploadDir:    "uploads",
		BadWordsPath: "bad_words.txt",
		ReadTimeout:  300,
		WriteTimeout: 30,
		HistoryLimit: 50,
		FilesLimit:   20,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt("CHATRELAY_PORT", &cfg.Port)
	envInt("CHATRELAY_UPLOAD_PORT", &cfg.UploadPort)
	envInt("CHATRELAY_DOWNLOAD_PORT", &cfg.DownloadPort)
	envStr("CHATRELAY_DB_PATH", &cfg.DBPath)
	envStr("CHATRELAY_UPLOAD_DIR", &cfg.UploadDir)
	envStr("CHATRELAY_BAD_WORDS", &cfg.BadWordsPath)
	envBool("CHATRELAY_MODERATION_AUDIT", &cfg.ModerationAudit)
	envInt("CHATRELAY_READ_TIMEOUT", &cfg.ReadTimeout)
	envInt("CHATRELAY_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("CHATRELAY_HISTORY_LIMIT", &cfg.HistoryLimit)
	envInt("CHATRELAY_FILES_LIMIT", &cfg.FilesLimit)
	envStr("CHATRELAY_LOG_LEVEL", &cfg.Log.Level)
	envStr("CHATRELAY_LOG_FORMAT", &cfg.Log.Format)
	envStr("CHATRELAY_LOG_OUTPUT", &cfg.Log.Output)
	envStr("CHATRELAY_LOG_FILE", &cfg.Log.FilePath)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
