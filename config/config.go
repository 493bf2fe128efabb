// Package config loads the tbk configuration from an optional yaml or json
// file, defaults and TBK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"tbk/export"
	"tbk/integrity"
	"tbk/tapehardware"
)

// DriveConfig describes one drive. Simulated drives only need a directory.
type DriveConfig struct {
	Alias     string `mapstructure:"alias"`
	Device    string `mapstructure:"device"`
	Generic   string `mapstructure:"generic"`
	Simulated string `mapstructure:"simulated"`
	// Slot is the data transfer element of the drive in the changer.
	Slot int `mapstructure:"slot"`
	// overrides of what the drive reports
	Generation string `mapstructure:"generation"`
	Capacity   int64  `mapstructure:"capacity"`
	Vendor     string `mapstructure:"vendor"`
	Model      string `mapstructure:"model"`
	Serial     string `mapstructure:"serial"`
}

type ExportConfig struct {
	S3  export.S3Config  `mapstructure:"s3"`
	GCS export.GCSConfig `mapstructure:"gcs"`
}

type EncryptionConfig struct {
	Cipher string `mapstructure:"cipher"`
	// KeyFile holds the key in yaml, it is generated on first use.
	KeyFile         string `mapstructure:"key_file"`
	DiscardOriginal bool   `mapstructure:"discard_original"`
}

type Config struct {
	LogFile     string                   `mapstructure:"log_file"`
	BlockSize   string                   `mapstructure:"block_size"`
	ThreadLimit int                      `mapstructure:"thread_limit"`
	Checksum    string                   `mapstructure:"checksum"`
	Catalog     string                   `mapstructure:"catalog"`
	TempDir     string                   `mapstructure:"temp_dir"`
	SysRoot     string                   `mapstructure:"sys_root"`
	Changer     string                   `mapstructure:"changer"`
	Simulation  string                   `mapstructure:"simulation"`
	Listen      string                   `mapstructure:"listen"`
	Sense       tapehardware.SenseLayout `mapstructure:"sense"`
	Drives      []DriveConfig            `mapstructure:"drives"`
	Export      ExportConfig             `mapstructure:"export"`
	Encryption  EncryptionConfig         `mapstructure:"encryption"`
}

// Load reads path, or tbk.yaml from the usual places when path is empty.
// A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tbk")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tbk")
		v.AddConfigPath("/etc/tbk")
	}

	// Set defaults
	v.SetDefault("log_file", "tbk.log")
	v.SetDefault("block_size", tapehardware.DefaultBlockSize)
	v.SetDefault("thread_limit", runtime.NumCPU())
	v.SetDefault("checksum", string(integrity.SHA256))
	v.SetDefault("catalog", "tbk.db")
	v.SetDefault("temp_dir", os.TempDir())
	v.SetDefault("sys_root", "/sys")
	v.SetDefault("changer", "")
	v.SetDefault("simulation", "")
	v.SetDefault("listen", ":8080")
	v.SetDefault("sense.medium_type_offset", 2)
	v.SetDefault("sense.device_param_offset", 3)
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.region", "")
	v.SetDefault("export.s3.prefix", "")
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.gcs.bucket", "")
	v.SetDefault("export.gcs.prefix", "")
	v.SetDefault("export.gcs.credentials", "")
	v.SetDefault("encryption.cipher", string(integrity.AES256CTR))
	v.SetDefault("encryption.key_file", "")
	v.SetDefault("encryption.discard_original", false)

	// Allow environment variables, TBK_EXPORT_S3_BUCKET sets export.s3.bucket
	v.SetEnvPrefix("TBK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.ThreadLimit < 1 {
		c.ThreadLimit = runtime.NumCPU()
	}
	if _, err := integrity.ParseAlgorithm(c.Checksum); err != nil {
		return err
	}
	if _, err := integrity.ParseCipher(c.Encryption.Cipher); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, d := range c.Drives {
		if d.Alias == "" {
			return fmt.Errorf("drive %d has no alias", i)
		}
		if seen[d.Alias] {
			return fmt.Errorf("drive alias %s is used twice", d.Alias)
		}
		seen[d.Alias] = true
		if d.Device == "" && d.Simulated == "" {
			return fmt.Errorf("drive %s needs a device or a simulated directory", d.Alias)
		}
		if d.Generation != "" {
			if _, err := tapehardware.ParseGeneration(d.Generation); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) ChecksumAlgorithm() integrity.Algorithm {
	algorithm, _ := integrity.ParseAlgorithm(c.Checksum)
	return algorithm
}

func (c *Config) Cipher() integrity.Cipher {
	cipher, _ := integrity.ParseCipher(c.Encryption.Cipher)
	return cipher
}

// Decoder builds a decoder with the configured sense layout.
func (c *Config) Decoder() *tapehardware.Decoder {
	d := tapehardware.NewDecoder()
	d.Sense = c.Sense
	if c.BlockSize != "" {
		d.DefaultBlockSize = c.BlockSize
	}
	return d
}

// Drive looks up a configured drive by alias.
func (c *Config) Drive(alias string) (DriveConfig, bool) {
	for _, d := range c.Drives {
		if d.Alias == alias {
			return d, true
		}
	}
	return DriveConfig{}, false
}
