package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Intranet routes the two backend hostnames to fixed campus addresses.
type Intranet struct {
	Enabled       bool   `json:"enabled"`
	VideoServerIP string `json:"video_server_ip"`
	APIServerIP   string `json:"api_server_ip"`
	// IgnoreTLSErrors only applies while Enabled is set.
	IgnoreTLSErrors bool `json:"ignore_tls_errors"`
}

type Config struct {
	Headers     map[string]string `json:"headers"`
	Secret      string            `json:"secret"`
	APIBaseURL  string            `json:"api_base_url"`
	DownloadDir string            `json:"download_dir"`
	DataDir     string            `json:"data_dir"`
	ListenPort  int               `json:"listen_port"`
	FFmpegPath  string            `json:"ffmpeg_path"`

	Workers    int `json:"workers"`
	Retries    int `json:"retries"`
	KeyRetries int `json:"key_retries"`
	// RefreshSeconds is the signature refresh cadence.
	RefreshSeconds int `json:"refresh_seconds"`

	Intranet Intranet `json:"intranet"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Origin":     "https://www.yanhekt.cn",
			"Referer":    "https://www.yanhekt.cn/",
		},
		Secret:         "1138b69dfef641d9d7ba49137d2d4875",
		APIBaseURL:     "https://cbiz.yanhekt.cn",
		DownloadDir:    "./downloads",
		DataDir:        "./data",
		ListenPort:     8085,
		FFmpegPath:     "ffmpeg",
		Workers:        32,
		Retries:        99,
		KeyRetries:     5,
		RefreshSeconds: 10,
		Intranet: Intranet{
			VideoServerIP:   "10.0.34.24",
			APIServerIP:     "10.0.34.22",
			IgnoreTLSErrors: true,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Retries < 0 || c.KeyRetries < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}
	if c.RefreshSeconds < 1 {
		return fmt.Errorf("refresh_seconds must be >= 1, got %d", c.RefreshSeconds)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is empty")
	}
	return nil
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshSeconds) * time.Second
}
