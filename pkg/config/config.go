package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

var (
	envFilePath string
	loadOnce    sync.Once
	loadErr     error
)

type validator interface {
	Validate() error
}

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New loads the env file once, then fills T from variables under prefix.
// Types with a Validate method are checked before being returned.
func New[T any](prefix string) (*T, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, fmt.Errorf("config %s: %w", prefix, err)
	}
	if v, ok := any(&conf).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("config %s: %w", prefix, err)
		}
	}
	return &conf, nil
}

func loadEnvFile() error {
	loadOnce.Do(func() {
		if path := resolveEnvPath(); path != "" {
			if err := exportEnvironment(path); err != nil {
				loadErr = fmt.Errorf("failed to load env file: %w", err)
			}
			return
		}
		if err := exportEnvironmentIfExists(".env"); err != nil {
			loadErr = fmt.Errorf("failed to load default env file: %w", err)
		}
	})
	return loadErr
}

func resolveEnvPath() string {
	if flag.Lookup("env") == nil {
		flag.StringVar(&envFilePath, "env", "", "path to .env file")
	}
	if !flag.Parsed() {
		flag.Parse()
	}
	return strings.TrimSpace(envFilePath)
}

func exportEnvironmentIfExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(path)
}

// exportEnvironment copies the file's keys into the process environment.
// Variables that are already set win over the file.
func exportEnvironment(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}
