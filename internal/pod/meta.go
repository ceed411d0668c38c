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
package pod

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

// Meta holds the parts of a pod which can change during its lifetime and
// which matter for policy decisions. A Meta is never modified after
// construction; updates replace it.
type Meta struct {
	// Used by Server pod selectors.
	Labels labels.Set

	Settings Settings
}

func MetaFromMetadata(meta *metav1.ObjectMeta) Meta {
	settings := SettingsFromMetadata(meta)
	klog.V(5).Infof("settings for pod %s/%s: %#v", meta.Namespace, meta.Name, settings)

	var lbls labels.Set
	if meta.Labels != nil {
		lbls = make(labels.Set, len(meta.Labels))
		for k, v := range meta.Labels {
			lbls[k] = v
		}
	}

	return Meta{
		Labels:   lbls,
		Settings: settings,
	}
}

func (m Meta) Equal(other Meta) bool {
	return labels.Equals(m.Labels, other.Labels) && m.Settings.Equal(other.Settings)
}

// PortNames maps container port names to the port numbers declared with that
// name.
type PortNames map[string]ports.PortSet

func (n PortNames) Lookup(name string) (ports.PortSet, bool) {
	result, ok := n[name]
	return result, ok
}

func (n PortNames) Equal(other PortNames) bool {
	if len(n) != len(other) {
		return false
	}
	for name, set := range n {
		otherSet, ok := other[name]
		if !ok || !set.Equal(otherSet) {
			return false
		}
	}
	return true
}

// TCPPortNames collects the named TCP ports of all containers in the pod
// spec. A port without protocol is a TCP port.
func TCPPortNames(spec *corev1.PodSpec) PortNames {
	result := PortNames{}
	if spec == nil {
		return result
	}

	for _, container := range spec.Containers {
		for _, port := range container.Ports {
			if port.Protocol != "" && port.Protocol != corev1.ProtocolTCP {
				continue
			}
			if port.Name == "" {
				continue
			}
			set, ok := result[port.Name]
			if !ok {
				set = ports.PortSet{}
				result[port.Name] = set
			}
			set.Insert(uint16(port.ContainerPort))
		}
	}

	return result
}
