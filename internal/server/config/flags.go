package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/remotesettings/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8888")
//	-g string   gRPC health bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-s string   bearer token secret key
//	-t int      access token validity, minutes
//	-r string   Redis URL (switches the cache backend to redis)
//	-l string   log level
//	-S key=val  dotted setting, repeatable
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-d", "-s", "-t", "-r", "-l", "-S"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run the HTTP API")
	fs.StringVar(&config.GRPCAddr, "g", config.GRPCAddr, "address and port to run the gRPC health service")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	redisURL := fs.String("r", "", "redis URL")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if config.Settings == nil {
		config.Settings = Settings{}
	}
	fs.Var(flagx.KeyValue(config.Settings), "S", "dotted setting key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	if *redisURL != "" {
		config.RedisURL = *redisURL
		config.CacheBackend = "redis"
	}
}
