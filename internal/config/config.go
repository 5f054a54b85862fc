package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Host string `mapstructure:"host"`

	ChatPort         int `mapstructure:"chat_port"`
	FilePort         int `mapstructure:"file_port"`
	VideoPort        int `mapstructure:"video_port"`
	AudioPort        int `mapstructure:"audio_port"`
	ScreenPort       int `mapstructure:"screen_port"`
	ParticipantsPort int `mapstructure:"participants_port"`
	ConsolePort      int `mapstructure:"console_port"`

	StoragePath string `mapstructure:"storage_path"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
	ChunkSize   int    `mapstructure:"chunk_size"`

	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FrameExpiry   time.Duration `mapstructure:"frame_expiry"`

	MaxDatagram    int   `mapstructure:"max_datagram"`
	MaxScreenFrame int64 `mapstructure:"max_screen_frame"`

	Secret string `mapstructure:"secret"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}

	v.SetConfigFile(path)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("chat_port", 5001)
	v.SetDefault("file_port", 5002)
	v.SetDefault("video_port", 5003)
	v.SetDefault("audio_port", 5004)
	v.SetDefault("screen_port", 5005)
	v.SetDefault("participants_port", 5006)
	v.SetDefault("console_port", 5000)
	v.SetDefault("storage_path", "./shared_files")
	v.SetDefault("max_file_size", 500*1024*1024)
	v.SetDefault("chunk_size", 8192)
	v.SetDefault("read_timeout", "30s")
	v.SetDefault("client_timeout", "12s")
	v.SetDefault("sweep_interval", "3s")
	v.SetDefault("frame_expiry", "1s")
	v.SetDefault("max_datagram", 16384)
	v.SetDefault("max_screen_frame", 8*1024*1024)
	v.SetDefault("secret", "meet-console")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", path).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
