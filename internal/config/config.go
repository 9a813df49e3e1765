package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Grafana   GrafanaConfig  `mapstructure:"grafana"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig describes the Postgres instance that holds both the portal
// tables and the per-user tenant schemas. Grafana datasources are pointed at
// this same instance.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// Addr returns host:port, the form Grafana expects as a datasource URL.
func (d DatabaseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type GrafanaConfig struct {
	URL               string `mapstructure:"url"`
	AdminUser         string `mapstructure:"admin_user"`
	AdminPassword     string `mapstructure:"admin_password"`
	DashboardTemplate string `mapstructure:"dashboard_template"`
}

// BaseURL returns the Grafana root URL without a trailing slash.
func (g GrafanaConfig) BaseURL() string {
	return strings.TrimRight(g.URL, "/")
}

// APIBase returns the root of Grafana's admin HTTP API.
func (g GrafanaConfig) APIBase() string {
	return g.BaseURL() + "/api"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("grafana.url", "http://localhost:3000")
	viper.SetDefault("grafana.admin_user", "admin")
	viper.SetDefault("grafana.dashboard_template", "./grafana/simple_sales.json")
	viper.SetDefault("jwt_secret", "changeme-secret")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
