/* Copyright 2024 CLOUD&HEAT Technologies GmbH
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
package model

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

// PodPolicy is the externally visible policy configuration of a single pod.
type PodPolicy struct {
	Namespace string            `json:"namespace" validate:"required"`
	Name      string            `json:"name" validate:"required"`
	Labels    map[string]string `json:"labels,omitempty"`

	// Empty if the pod does not override the cluster default
	DefaultPolicy   string `json:"default-policy,omitempty" validate:"omitempty,defaultpolicy"`
	EffectivePolicy string `json:"effective-policy" validate:"required,defaultpolicy"`

	OpaquePorts    ports.PortSet            `json:"opaque-ports"`
	RequireIDPorts ports.PortSet            `json:"require-identity-ports"`
	PortNames      map[string]ports.PortSet `json:"port-names"`
}

type IndexSnapshot struct {
	ClusterDefaultPolicy string      `json:"cluster-default-policy" validate:"required,defaultpolicy"`
	Pods                 []PodPolicy `json:"pods" validate:"dive"`
}

type SnapshotClaim struct {
	Snapshot IndexSnapshot `json:"snapshot" validate:"required"`
	jwt.StandardClaims
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validateDefaultPolicy(fl validator.FieldLevel) bool {
	_, err := defaultpolicy.Parse(fl.Field().String())
	return err == nil
}

// Validator returns the shared validator instance which knows about the
// `defaultpolicy` tag.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		if err := validate.RegisterValidation("defaultpolicy", validateDefaultPolicy); err != nil {
			panic(err)
		}
	})
	return validate
}

func (s *IndexSnapshot) Validate() error {
	return Validator().Struct(s)
}
