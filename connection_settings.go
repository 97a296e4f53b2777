package genmqtt

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// Connection string example:
// Host=localhost;Port=1883;ClientId=Test;KeepAlive=PT30S;UseTls=true.
func (cfg *Config) fromConnectionString(connStr string) error {
	return cfg.applySettingsMap(parseToSettingsMap(connStr, ";"))
}

// Environment variable example:
// MQTT_HOST=localhost
// MQTT_PORT=8883
// MQTT_USE_TLS=true.
func (cfg *Config) fromEnv() error {
	return cfg.applySettingsMap(parseToSettingsMap(os.Environ(), "="))
}

func parseToSettingsMap(input any, delimiter string) map[string]string {
	settingsMap := make(map[string]string)

	switch v := input.(type) {
	case string:
		// Parse connection string.
		v = strings.TrimSuffix(v, delimiter)
		for _, param := range strings.Split(v, delimiter) {
			kv := strings.SplitN(param, "=", 2)
			if len(kv) == 2 {
				k := strings.ToLower(strings.TrimSpace(kv[0]))
				settingsMap[k] = strings.TrimSpace(kv[1])
			}
		}
	case []string:
		// Parse environment variables.
		for _, envVar := range v {
			kv := strings.SplitN(envVar, delimiter, 2)
			if len(kv) == 2 && strings.HasPrefix(kv[0], "MQTT_") {
				k := strings.ToLower(
					strings.ReplaceAll(
						strings.TrimPrefix(kv[0], "MQTT_"),
						"_",
						"",
					),
				)
				settingsMap[k] = strings.TrimSpace(kv[1])
			}
		}
	}
	return settingsMap
}

func (cfg *Config) applySettingsMap(settingsMap map[string]string) error {
	assignIfExists(settingsMap, "host", &cfg.Host)
	assignIfExists(settingsMap, "clientid", &cfg.ClientID)
	assignIfExists(settingsMap, "username", &cfg.Username)

	if port, exists := settingsMap["port"]; exists {
		p, err := strconv.Atoi(port)
		if err != nil {
			return &InvalidArgumentError{
				message: "invalid Port in connection settings",
				wrapped: err,
			}
		}
		cfg.Port = p
	}

	if password, exists := settingsMap["password"]; exists {
		cfg.Password = []byte(password)
	}
	if passwordFile, exists := settingsMap["passwordfile"]; exists {
		password, err := os.ReadFile(passwordFile)
		if err != nil {
			return &InvalidArgumentError{
				message: "cannot read password file",
				wrapped: err,
			}
		}
		cfg.Password = password
	}

	cfg.CleanSession = settingsMap["cleansession"] == "true"

	if version, exists := settingsMap["protocolversion"]; exists {
		v, err := strconv.Atoi(version)
		if err != nil {
			return &InvalidArgumentError{
				message: "invalid ProtocolVersion in connection settings",
				wrapped: err,
			}
		}
		cfg.ProtocolVersion = byte(v)
	}

	// Intervals use ISO 8601 durations, e.g. PT30S.
	if err := assignDuration(settingsMap, "keepalive", &cfg.KeepAlive); err != nil {
		return err
	}
	if err := assignDuration(settingsMap, "retryinterval", &cfg.RetryInterval); err != nil {
		return err
	}
	if err := assignDuration(settingsMap, "reconnectinterval", &cfg.ReconnectInterval); err != nil {
		return err
	}
	if err := assignDuration(settingsMap, "connecttimeout", &cfg.ConnectTimeout); err != nil {
		return err
	}

	if settingsMap["usetls"] == "true" && cfg.TLSConfig == nil {
		tlsConfig, err := NewTLSConfig(
			settingsMap["certfile"],
			settingsMap["keyfile"],
			settingsMap["keyfilepassword"],
			settingsMap["cafile"],
		)
		if err != nil {
			return err
		}
		cfg.TLSConfig = tlsConfig
	}

	return nil
}

func assignIfExists(
	settingsMap map[string]string,
	key string,
	target *string,
) {
	if value, exists := settingsMap[key]; exists {
		*target = value
	}
}

func assignDuration(
	settingsMap map[string]string,
	key string,
	target *time.Duration,
) error {
	value, exists := settingsMap[key]
	if !exists {
		return nil
	}
	d, err := duration.Parse(value)
	if err != nil {
		return &InvalidArgumentError{
			message: "invalid " + key + " in connection settings",
			wrapped: err,
		}
	}
	*target = d.ToTimeDuration()
	return nil
}
