package main

import (
	"fmt"
	"os"
	"reflect"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/github-mirror/mirror"
	"gopkg.in/yaml.v3"
)

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "github_mirror_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "github_mirror_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// loadConfig reads, validates and defaults the config file. It is called
// afresh for every webhook request and every update pass so config edits
// take effect without a restart.
func loadConfig(path string) (*mirror.Config, error) {
	conf, err := parseConfigFile(path)
	if err != nil {
		configSuccess.Set(0)
		return nil, err
	}

	if err := conf.ValidateAndApplyDefaults(); err != nil {
		configSuccess.Set(0)
		return nil, err
	}

	configSuccess.Set(1)
	configSuccessTime.SetToCurrentTime()
	return conf, nil
}

func parseConfigFile(path string) (*mirror.Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = validateConfig(yamlFile)
	if err != nil {
		return nil, err
	}

	conf := &mirror.Config{}
	err = yaml.Unmarshal(yamlFile, conf)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// check config sections for unexpected keys
	allowedConfigKeys := getAllowedKeys(mirror.Config{})
	if key := findUnexpectedKey(raw, allowedConfigKeys); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	// check "auth" section
	if authMap, ok := raw["auth"].(map[string]interface{}); ok {
		allowedAuthKeys := getAllowedKeys(mirror.Auth{})
		if key := findUnexpectedKey(authMap, allowedAuthKeys); key != "" {
			return fmt.Errorf("unexpected key: .auth.%v", key)
		}
	}

	// check each mirror in "mirrors" section
	if mirrorsRaw, ok := raw["mirrors"]; ok {
		mirrors, ok := mirrorsRaw.([]interface{})
		if !ok {
			return fmt.Errorf("mirrors config section is not valid")
		}

		allowedMirrorKeys := getAllowedKeys(mirror.RepoConfig{})
		for _, mirrorInterface := range mirrors {
			mirrorMap, ok := mirrorInterface.(map[string]interface{})
			if !ok {
				return fmt.Errorf("mirrors config section is not valid")
			}

			if key := findUnexpectedKey(mirrorMap, allowedMirrorKeys); key != "" {
				return fmt.Errorf("unexpected key: .mirrors[%v].%v", mirrorMap["name"], key)
			}
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw interface{}, allowedKeys []string) string {
	for key := range raw.(map[string]interface{}) {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}
