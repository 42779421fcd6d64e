package main

import (
	"strings"
	"sync"

	"conductor/internal/apiclient"
	"conductor/internal/config"
)

type commandContext struct {
	urlFlag    *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(urlFlag, configFlag *string) *commandContext {
	return &commandContext{
		urlFlag:    urlFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

// client targets --url when given; otherwise the configured api_bind.
func (c *commandContext) client() (*apiclient.Client, error) {
	if c.urlFlag != nil {
		if base := strings.TrimSpace(*c.urlFlag); base != "" {
			return apiclient.New(base), nil
		}
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	base, err := apiclient.BaseURLFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return apiclient.New(base), nil
}

func (c *commandContext) withClient(fn func(*apiclient.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return fn(client)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
