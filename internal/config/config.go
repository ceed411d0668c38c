/* Copyright 2020 CLOUD&HEAT Technologies GmbH
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package config

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
)

type Subscriber struct {
	URL string `toml:"url" validate:"required,url"`
}

type Subscribers struct {
	SharedSecret  string       `toml:"shared-secret" validate:"omitempty,base64"`
	TokenLifetime int          `toml:"token-lifetime" validate:"gte=1,lte=120"`
	Subscribers   []Subscriber `toml:"subscriber" validate:"dive"`
}

type ControllerConfig struct {
	BindAddress string `toml:"bind-address" validate:"omitempty,ip"`
	BindPort    int32  `toml:"bind-port" validate:"gte=1,lte=65535"`
	APIBindPort int32  `toml:"api-bind-port" validate:"gte=1,lte=65535,nefield=BindPort"`

	// Seconds between informer resyncs.
	ResyncPeriod int `toml:"resync-period" validate:"gte=0"`
	// Seconds between unconditional snapshot pushes to the subscribers.
	PushInterval int `toml:"push-interval" validate:"gte=1"`
	Workers      int `toml:"workers" validate:"gte=1,lte=64"`

	ClusterDefaultPolicy string   `toml:"cluster-default-policy" validate:"required"`
	AllowedOrigins       []string `toml:"allowed-origins" validate:"dive,required"`

	Subscribers Subscribers `toml:"subscribers"`
}

type AgentConfig struct {
	SharedSecret   string `toml:"shared-secret" validate:"required,base64"`
	BindAddress    string `toml:"bind-address" validate:"required,ip"`
	BindPort       int32  `toml:"bind-port" validate:"gte=1,lte=65535"`
	MaxRequestSize int64  `toml:"max-request-size" validate:"gte=1"`

	// If set, every received snapshot is also written to this file.
	SnapshotFile  string   `toml:"snapshot-file"`
	ReloadCommand []string `toml:"reload-command"`
}

func ReadControllerConfig(config io.Reader) (result ControllerConfig, err error) {
	_, err = toml.NewDecoder(config).Decode(&result)
	return result, err
}

func ReadControllerConfigFromFile(path string) (ControllerConfig, error) {
	fin, err := os.Open(path)
	if err != nil {
		return ControllerConfig{}, err
	}
	defer fin.Close()
	return ReadControllerConfig(fin)
}

func ReadAgentConfig(config io.Reader) (result AgentConfig, err error) {
	_, err = toml.NewDecoder(config).Decode(&result)
	return result, err
}

func ReadAgentConfigFromFile(path string) (AgentConfig, error) {
	fin, err := os.Open(path)
	if err != nil {
		return AgentConfig{}, err
	}
	defer fin.Close()
	return ReadAgentConfig(fin)
}

func defaultString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func defaultInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func defaultInt32(field *int32, value int32) {
	if *field == 0 {
		*field = value
	}
}

func FillControllerConfig(cfg *ControllerConfig) {
	defaultInt32(&cfg.BindPort, 15204)
	defaultInt32(&cfg.APIBindPort, 15205)
	defaultInt(&cfg.ResyncPeriod, 300)
	defaultInt(&cfg.PushInterval, 60)
	defaultInt(&cfg.Workers, 2)
	defaultString(&cfg.ClusterDefaultPolicy, defaultpolicy.AllUnauthenticated.String())
	defaultInt(&cfg.Subscribers.TokenLifetime, 15)
}

func FillAgentConfig(cfg *AgentConfig) {
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 1 << 20
	}
}

func validateStruct(cfg interface{}) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validateSharedSecret(secret string) error {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("shared-secret must be valid base64: %s", err.Error())
	}
	if len(raw) < 12 {
		return fmt.Errorf("shared-secret must have at least 12 bytes (got %d)", len(raw))
	}
	return nil
}

func ValidateControllerConfig(cfg *ControllerConfig) error {
	if err := validateStruct(cfg); err != nil {
		return err
	}

	if _, err := defaultpolicy.Parse(cfg.ClusterDefaultPolicy); err != nil {
		return fmt.Errorf("cluster-default-policy has an invalid value: %w", err)
	}

	for i, subscriber := range cfg.Subscribers.Subscribers {
		if !strings.HasPrefix(subscriber.URL, "http://") && !strings.HasPrefix(subscriber.URL, "https://") {
			return fmt.Errorf("subscribers must have HTTP(S) url. offending subscriber %d: %s", i+1, subscriber.URL)
		}
	}

	if len(cfg.Subscribers.Subscribers) > 0 {
		if cfg.Subscribers.SharedSecret == "" {
			return fmt.Errorf("subscribers.shared-secret must be set if subscribers are configured")
		}
		if err := validateSharedSecret(cfg.Subscribers.SharedSecret); err != nil {
			return fmt.Errorf("subscribers.%s", err.Error())
		}
	}

	return nil
}

func ValidateAgentConfig(cfg *AgentConfig) error {
	if cfg.SharedSecret == "" {
		return fmt.Errorf("shared-secret must be set")
	}

	if cfg.BindAddress == "" {
		return fmt.Errorf("bind-address must be set")
	}

	if cfg.BindPort == 0 {
		return fmt.Errorf("bind-port must be set")
	}

	if err := validateStruct(cfg); err != nil {
		return err
	}

	if len(cfg.ReloadCommand) > 0 && cfg.SnapshotFile == "" {
		return fmt.Errorf("reload-command requires snapshot-file to be set")
	}

	return validateSharedSecret(cfg.SharedSecret)
}
