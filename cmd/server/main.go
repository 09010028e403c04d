package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/watchtogether/server/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	host = configVar[string]{
		envKey:       "SERVER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	port = configVar[int]{
		envKey:       "SERVER_PORT",
		flagKey:      "port",
		defaultValue: 8000,
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
	cacheDir = configVar[string]{
		envKey:       "CACHE_DIR",
		flagKey:      "cache-dir",
		defaultValue: "data/segment_cache",
	}
	diskCacheSizeMB = configVar[int]{
		envKey:       "DISK_CACHE_SIZE_MB",
		flagKey:      "disk-cache-size-mb",
		defaultValue: 200,
	}
	memCacheSizeMB = configVar[int]{
		envKey:       "MEM_CACHE_SIZE_MB",
		flagKey:      "mem-cache-size-mb",
		defaultValue: 100,
	}
	resolverURL = configVar[string]{
		envKey:       "RESOLVER_URL",
		flagKey:      "resolver-url",
		defaultValue: "http://localhost:4100",
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.String(cacheDir.flagKey, cacheDir.defaultValue, "Segment cache directory")
	pflag.Int(diskCacheSizeMB.flagKey, diskCacheSizeMB.defaultValue, "Disk cache size cap in MiB")
	pflag.Int(memCacheSizeMB.flagKey, memCacheSizeMB.defaultValue, "Memory cache size cap in MiB")
	pflag.String(resolverURL.flagKey, resolverURL.defaultValue, "Stream resolver sidecar URL")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(redisHost.flagKey, redisHost.envKey)
	viper.BindEnv(redisPort.flagKey, redisPort.envKey)
	viper.BindEnv(redisPassword.flagKey, redisPassword.envKey)
	viper.BindEnv(cacheDir.flagKey, cacheDir.envKey)
	viper.BindEnv(diskCacheSizeMB.flagKey, diskCacheSizeMB.envKey)
	viper.BindEnv(memCacheSizeMB.flagKey, memCacheSizeMB.envKey)
	viper.BindEnv(resolverURL.flagKey, resolverURL.envKey)

	viper.SetDefault(host.flagKey, host.defaultValue)
	viper.SetDefault(port.flagKey, port.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(redisHost.flagKey, redisHost.defaultValue)
	viper.SetDefault(redisPort.flagKey, redisPort.defaultValue)
	viper.SetDefault(redisPassword.flagKey, redisPassword.defaultValue)
	viper.SetDefault(cacheDir.flagKey, cacheDir.defaultValue)
	viper.SetDefault(diskCacheSizeMB.flagKey, diskCacheSizeMB.defaultValue)
	viper.SetDefault(memCacheSizeMB.flagKey, memCacheSizeMB.defaultValue)
	viper.SetDefault(resolverURL.flagKey, resolverURL.defaultValue)

	return &app.AppConfig{
		Host:            viper.GetString(host.flagKey),
		Port:            viper.GetInt(port.flagKey),
		LogLevel:        viper.GetString(logLevel.flagKey),
		RedisHost:       viper.GetString(redisHost.flagKey),
		RedisPort:       viper.GetInt(redisPort.flagKey),
		RedisPassword:   viper.GetString(redisPassword.flagKey),
		CacheDir:        viper.GetString(cacheDir.flagKey),
		DiskCacheSizeMB: viper.GetInt(diskCacheSizeMB.flagKey),
		MemCacheSizeMB:  viper.GetInt(memCacheSizeMB.flagKey),
		ResolverURL:     viper.GetString(resolverURL.flagKey),
	}
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()
	if err := appConfig.Validate(); err != nil {
		log.Fatal(err)
	}

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
