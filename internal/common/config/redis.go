package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses
	Addrs           []string `validate:"required"`
	DB              int      `validate:"gte=0,lte=16"`
	Password        string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
	MasterName      string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		PoolSize:        rc.PoolSize,
		MinIdleConns:    rc.MinIdleConns,
		ConnMaxLifetime: rc.MaxConnAge,
		PoolTimeout:     rc.PoolTimeout,
		ConnMaxIdleTime: rc.IdleTimeout,
		MasterName:      rc.MasterName,
	}
}

type PostgresConfig struct {
	// libpq key/value pairs, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
}

type MongoConfig struct {
	Uri      string `validate:"required"`
	Database string `validate:"required"`
	// Optional. Defaults to 10s.
	ConnectTimeout time.Duration
}
