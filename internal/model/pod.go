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
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
)

var (
	ErrNotAValidKey = errors.New("Not a valid namespace/name key")
)

type PodIdentifier struct {
	Namespace string
	Name      string
}

func FromPod(pod *corev1.Pod) PodIdentifier {
	return PodIdentifier{Namespace: pod.Namespace, Name: pod.Name}
}

func FromObject(obj interface{}) (PodIdentifier, error) {
	info, err := meta.Accessor(obj)
	if err != nil {
		return PodIdentifier{}, err
	}
	return PodIdentifier{Namespace: info.GetNamespace(), Name: info.GetName()}, nil
}

func FromKey(key string) (PodIdentifier, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return PodIdentifier{}, ErrNotAValidKey
	}
	return PodIdentifier{Namespace: parts[0], Name: parts[1]}, nil
}

func (id PodIdentifier) ToKey() string {
	return fmt.Sprintf("%s/%s", id.Namespace, id.Name)
}
