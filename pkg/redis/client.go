// Package redis wraps go-redis with the connection modes, health checking and
// configuration shared by the bus, the snapshot cache and the checkout gate.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

// Config represents the connection configuration
type Config struct {
	// Connection settings
	Addresses    []string      `yaml:"addresses" json:"addresses" mapstructure:"addresses"`
	Username     string        `yaml:"username" json:"username" mapstructure:"username"`
	Password     string        `yaml:"password" json:"password" mapstructure:"password"`
	DB           int           `yaml:"db" json:"db" mapstructure:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff" mapstructure:"retry_backoff"`

	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`

	TLSEnabled bool        `yaml:"tls_enabled" json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `yaml:"-" json:"-" mapstructure:"-"`

	PoolSize     int           `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" json:"pool_timeout" mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`

	ClusterEnabled bool `yaml:"cluster_enabled" json:"cluster_enabled" mapstructure:"cluster_enabled"`

	SentinelEnabled  bool     `yaml:"sentinel_enabled" json:"sentinel_enabled" mapstructure:"sentinel_enabled"`
	MasterName       string   `yaml:"master_name" json:"master_name" mapstructure:"master_name"`
	SentinelAddrs    []string `yaml:"sentinel_addrs" json:"sentinel_addrs" mapstructure:"sentinel_addrs"`
	SentinelPassword string   `yaml:"sentinel_password" json:"sentinel_password" mapstructure:"sentinel_password"`

	// HealthCheckInterval of zero disables the background ping loop
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" mapstructure:"health_check_interval"`
}

// DefaultConfig returns a default single-node configuration
func DefaultConfig() *Config {
	return &Config{
		Addresses:           []string{"localhost:6379"},
		MaxRetries:          3,
		RetryBackoff:        100 * time.Millisecond,
		DialTimeout:         5 * time.Second,
		ReadTimeout:         3 * time.Second,
		WriteTimeout:        3 * time.Second,
		PoolSize:            10,
		MinIdleConns:        2,
		PoolTimeout:         4 * time.Second,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Client provides a health-checked redis.UniversalClient
type Client struct {
	client redis.UniversalClient
	config *Config
	logger observability.Logger
	mu     sync.RWMutex

	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time

	stop chan struct{}
	done chan struct{}
}

// NewClient connects to Redis and starts the health check loop
func NewClient(config *Config, logger observability.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	c := &Client{
		config:  config,
		logger:  logger,
		healthy: true,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if config.HealthCheckInterval > 0 {
		go c.healthCheckLoop(config.HealthCheckInterval)
	} else {
		close(c.done)
	}

	return c, nil
}

// NewClientFromUniversal wraps an existing go-redis client without a health loop
func NewClientFromUniversal(client redis.UniversalClient, logger observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	c := &Client{
		client:  client,
		config:  &Config{},
		logger:  logger,
		healthy: true,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(c.done)
	return c
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var client redis.UniversalClient
	tlsConfig := c.config.TLSConfig
	if c.config.TLSEnabled && tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	switch {
	case c.config.SentinelEnabled:
		if len(c.config.SentinelAddrs) == 0 {
			return fmt.Errorf("no Sentinel addresses configured")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.config.MasterName,
			SentinelAddrs:    c.config.SentinelAddrs,
			SentinelPassword: c.config.SentinelPassword,
			Username:         c.config.Username,
			Password:         c.config.Password,
			DB:               c.config.DB,
			MaxRetries:       c.config.MaxRetries,
			MinRetryBackoff:  c.config.RetryBackoff,
			DialTimeout:      c.config.DialTimeout,
			ReadTimeout:      c.config.ReadTimeout,
			WriteTimeout:     c.config.WriteTimeout,
			PoolSize:         c.config.PoolSize,
			MinIdleConns:     c.config.MinIdleConns,
			PoolTimeout:      c.config.PoolTimeout,
			ConnMaxIdleTime:  c.config.IdleTimeout,
			TLSConfig:        tlsConfig,
		})
	case c.config.ClusterEnabled:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           c.config.Addresses,
			Username:        c.config.Username,
			Password:        c.config.Password,
			MaxRetries:      c.config.MaxRetries,
			MinRetryBackoff: c.config.RetryBackoff,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       tlsConfig,
		})
	default:
		if len(c.config.Addresses) == 0 {
			return fmt.Errorf("no Redis addresses configured")
		}
		client = redis.NewClient(&redis.Options{
			Addr:            c.config.Addresses[0],
			Username:        c.config.Username,
			Password:        c.config.Password,
			DB:              c.config.DB,
			MaxRetries:      c.config.MaxRetries,
			MinRetryBackoff: c.config.RetryBackoff,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       tlsConfig,
		})
	}

	testTimeout := c.config.DialTimeout + c.config.ReadTimeout
	if testTimeout == 0 {
		testTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	c.client = client
	c.logger.Info("Connected to Redis", map[string]interface{}{
		"mode":      c.mode(),
		"addresses": c.config.Addresses,
	})

	return nil
}

func (c *Client) mode() string {
	if c.config.SentinelEnabled {
		return "sentinel"
	}
	if c.config.ClusterEnabled {
		return "cluster"
	}
	return "single"
}

func (c *Client) healthCheckLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.CheckHealth(context.Background())
		}
	}
}

// CheckHealth pings Redis and records the result
func (c *Client) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err := c.GetClient().Ping(ctx).Err()

	c.healthMu.Lock()
	wasHealthy := c.healthy
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else if !wasHealthy {
		c.logger.Info("Redis connection recovered", nil)
	}
	return err == nil
}

// IsHealthy returns the last recorded health status
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// GetClient returns the underlying Redis client for direct access
func (c *Client) GetClient() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Close stops the health loop and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	select {
	case <-c.stop:
		c.mu.Unlock()
		return nil
	default:
		close(c.stop)
	}
	client := c.client
	c.mu.Unlock()

	<-c.done
	if client != nil {
		return client.Close()
	}
	return nil
}
