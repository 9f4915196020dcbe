// mediascribe/config/config.go
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	BaseURL        string        `mapstructure:"BASE"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	LogDevelopment bool          `mapstructure:"LOG_DEVELOPMENT"`
	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	TaskRetention  time.Duration `mapstructure:"TASK_RETENTION"`
	DefaultEngine  string        `mapstructure:"DEFAULT_ENGINE"`

	FFBin     string        `mapstructure:"FF_BIN"`
	FFTimeout time.Duration `mapstructure:"FF_TIMEOUT"`
	YtDlpBin  string        `mapstructure:"YTDLP_BIN"`
	PythonBin string        `mapstructure:"PYTHON_BIN"`

	WhisperScript          string `mapstructure:"WHISPER_SCRIPT"`
	WhisperFormat          string `mapstructure:"WHISPER_FORMAT"`
	WhisperDefaultLanguage string `mapstructure:"WHISPER_DEFAULT_LANGUAGE"`
	WhisperExtraArgs       string `mapstructure:"WHISPER_EXTRA_ARGS"`
	QwenScript             string `mapstructure:"QWEN_SCRIPT"`
	QwenExtraArgs          string `mapstructure:"QWEN_EXTRA_ARGS"`

	DownloadAttempts  int           `mapstructure:"DOWNLOAD_ATTEMPTS"`
	DownloadBackoff   time.Duration `mapstructure:"DOWNLOAD_BACKOFF"`
	DownloadChunkSize int64         `mapstructure:"DOWNLOAD_CHUNK_SIZE"`
	DownloadTimeout   time.Duration `mapstructure:"DOWNLOAD_TIMEOUT"`
	ResolveTimeout    time.Duration `mapstructure:"RESOLVE_TIMEOUT"`
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	PublishMode       string        `mapstructure:"PUBLISH_MODE"`
	PublicMediaDir    string        `mapstructure:"PUBLIC_MEDIA_DIR"`
	PublicMediaTTL    time.Duration `mapstructure:"PUBLIC_MEDIA_TTL"`
	PublicMediaSecret string        `mapstructure:"PUBLIC_MEDIA_SECRET"`
	ObjectEndpoint    string        `mapstructure:"OBJECT_ENDPOINT"`
	ObjectAccessKey   string        `mapstructure:"OBJECT_ACCESS_KEY"`
	ObjectSecretKey   string        `mapstructure:"OBJECT_SECRET_KEY"`
	ObjectBucket      string        `mapstructure:"OBJECT_BUCKET"`
	ObjectUseSSL      bool          `mapstructure:"OBJECT_USE_SSL"`

	TingwuAccessKeyID     string        `mapstructure:"TINGWU_ACCESS_KEY_ID"`
	TingwuAccessKeySecret string        `mapstructure:"TINGWU_ACCESS_KEY_SECRET"`
	TingwuAppKey          string        `mapstructure:"TINGWU_APP_KEY"`
	TingwuRegion          string        `mapstructure:"TINGWU_REGION"`
	TingwuEndpoint        string        `mapstructure:"TINGWU_ENDPOINT"`
	TingwuPollInterval    time.Duration `mapstructure:"TINGWU_POLL_INTERVAL"`
	TingwuTimeout         time.Duration `mapstructure:"TINGWU_TIMEOUT"`

	DoubaoAPIKey       string        `mapstructure:"DOUBAO_API_KEY"`
	DoubaoAppKey       string        `mapstructure:"DOUBAO_APP_KEY"`
	DoubaoAccessKey    string        `mapstructure:"DOUBAO_ACCESS_KEY"`
	DoubaoResourceID   string        `mapstructure:"DOUBAO_RESOURCE_ID"`
	DoubaoSubmitURL    string        `mapstructure:"DOUBAO_SUBMIT_URL"`
	DoubaoQueryURL     string        `mapstructure:"DOUBAO_QUERY_URL"`
	DoubaoPollInterval time.Duration `mapstructure:"DOUBAO_POLL_INTERVAL"`
	DoubaoTimeout      time.Duration `mapstructure:"DOUBAO_TIMEOUT"`
}

// PublicBaseURL returns the externally reachable base URL of this server.
func (c *Config) PublicBaseURL() string {
	if base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); base != "" {
		return base
	}
	return "http://127.0.0.1:" + c.Port
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("PORT", "8000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_DEVELOPMENT", false)
	vp.SetDefault("MAX_CONCURRENCY", 0)
	vp.SetDefault("TASK_RETENTION", "0s")
	vp.SetDefault("DEFAULT_ENGINE", "local")

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "12m3s")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("PYTHON_BIN", "python3")

	vp.SetDefault("WHISPER_SCRIPT", "whisper_turbo_transcribe.py")
	vp.SetDefault("WHISPER_FORMAT", "json")
	vp.SetDefault("WHISPER_DEFAULT_LANGUAGE", "zh")
	vp.SetDefault("WHISPER_EXTRA_ARGS", "")
	vp.SetDefault("QWEN_SCRIPT", "qwen3_asr_transcribe.py")
	vp.SetDefault("QWEN_EXTRA_ARGS", "")

	vp.SetDefault("DOWNLOAD_ATTEMPTS", 3)
	vp.SetDefault("DOWNLOAD_BACKOFF", "1500ms")
	vp.SetDefault("DOWNLOAD_CHUNK_SIZE", "1MB")
	vp.SetDefault("DOWNLOAD_TIMEOUT", "2m")
	vp.SetDefault("RESOLVE_TIMEOUT", "90s")
	vp.SetDefault("MAX_INPUT_SIZE", "2GB")

	vp.SetDefault("THROTTLE_CPU", 5.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")

	vp.SetDefault("PUBLISH_MODE", "local")
	vp.SetDefault("PUBLIC_MEDIA_DIR", "/tmp/mediascribe-public-media")
	vp.SetDefault("PUBLIC_MEDIA_TTL", "2h")
	vp.SetDefault("PUBLIC_MEDIA_SECRET", "change-me-public-media-secret")
	vp.SetDefault("OBJECT_ENDPOINT", "localhost:9000")
	vp.SetDefault("OBJECT_ACCESS_KEY", "")
	vp.SetDefault("OBJECT_SECRET_KEY", "")
	vp.SetDefault("OBJECT_BUCKET", "mediascribe-public-media")
	vp.SetDefault("OBJECT_USE_SSL", false)

	vp.SetDefault("TINGWU_ACCESS_KEY_ID", "")
	vp.SetDefault("TINGWU_ACCESS_KEY_SECRET", "")
	vp.SetDefault("TINGWU_APP_KEY", "")
	vp.SetDefault("TINGWU_REGION", "cn-beijing")
	vp.SetDefault("TINGWU_ENDPOINT", "tingwu.cn-beijing.aliyuncs.com")
	vp.SetDefault("TINGWU_POLL_INTERVAL", "5s")
	vp.SetDefault("TINGWU_TIMEOUT", "30m")

	vp.SetDefault("DOUBAO_API_KEY", "")
	vp.SetDefault("DOUBAO_APP_KEY", "")
	vp.SetDefault("DOUBAO_ACCESS_KEY", "")
	vp.SetDefault("DOUBAO_RESOURCE_ID", "volc.seedasr.auc")
	vp.SetDefault("DOUBAO_SUBMIT_URL", "https://openspeech.bytedance.com/api/v3/auc/bigmodel/submit")
	vp.SetDefault("DOUBAO_QUERY_URL", "https://openspeech.bytedance.com/api/v3/auc/bigmodel/query")
	vp.SetDefault("DOUBAO_POLL_INTERVAL", "3s")
	vp.SetDefault("DOUBAO_TIMEOUT", "30m")
}

// loadDotEnv loads ./.env when present. Variables already set in the
// environment win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	return nil
}

func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	vp := viper.New()
	setDefaults(vp)

	// Load from config file
	vp.SetConfigName("mediascribe_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediascribe/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("MEDIASCRIBE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	cfg.WhisperFormat = strings.ToLower(strings.TrimSpace(cfg.WhisperFormat))
	if cfg.WhisperFormat != "txt" {
		cfg.WhisperFormat = "json"
	}
	return &cfg, nil
}
