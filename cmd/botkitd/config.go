package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fedikit/botkit/types"
)

type Config struct {
	Bot      types.BotConfig `yaml:"bot"`
	Server   Server          `yaml:"server"`
	NodeInfo types.NodeInfo  `yaml:"nodeInfo"`
}

type Server struct {
	Dsn            string `yaml:"dsn"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisDB        int    `yaml:"redisDB"`
	MemcachedAddr  string `yaml:"memcachedAddr"`
	EnableTrace    bool   `yaml:"enableTrace"`
	TraceEndpoint  string `yaml:"traceEndpoint"`
	PostIntervalM  int    `yaml:"postIntervalMinutes"`
	ScheduledPosts string `yaml:"scheduledPostsFile"`
}

func LoadConfig(path string) (Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return config, err
	}

	return config, nil
}
