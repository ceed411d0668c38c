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
package index

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/klog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/pod"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

var (
	ErrPodNotIndexed    = errors.New("pod is not indexed")
	ErrPortNameNotFound = errors.New("no TCP container port with this name")
)

// Entry is the latest observation of a pod. Entries are replaced as a whole
// and never modified once stored.
type Entry struct {
	ID        model.PodIdentifier
	Meta      pod.Meta
	PortNames pod.PortNames
}

// Index keeps the policy relevant state of all known pods.
type Index struct {
	mutex sync.RWMutex

	clusterDefault defaultpolicy.Mode
	entries        map[string]*Entry
}

func New(clusterDefault defaultpolicy.Mode) *Index {
	return &Index{
		clusterDefault: clusterDefault,
		entries:        make(map[string]*Entry),
	}
}

func (i *Index) ClusterDefault() defaultpolicy.Mode {
	return i.clusterDefault
}

// Apply recomputes the entry for the pod and stores it. It returns true if
// the entry differs from the one stored before.
func (i *Index) Apply(p *corev1.Pod) bool {
	id := model.FromPod(p)
	entry := &Entry{
		ID:        id,
		Meta:      pod.MetaFromMetadata(&p.ObjectMeta),
		PortNames: pod.TCPPortNames(&p.Spec),
	}

	key := id.ToKey()

	i.mutex.Lock()
	defer i.mutex.Unlock()

	existing, ok := i.entries[key]
	if ok && existing.Meta.Equal(entry.Meta) && existing.PortNames.Equal(entry.PortNames) {
		klog.V(5).Infof("pod %s unchanged", key)
		return false
	}

	i.entries[key] = entry
	return true
}

func (i *Index) Delete(id model.PodIdentifier) bool {
	key := id.ToKey()

	i.mutex.Lock()
	defer i.mutex.Unlock()

	if _, ok := i.entries[key]; !ok {
		return false
	}
	delete(i.entries, key)
	return true
}

func (i *Index) Get(id model.PodIdentifier) (Entry, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	entry, ok := i.entries[id.ToKey()]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

func (i *Index) Len() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return len(i.entries)
}

func (i *Index) effectivePolicy(entry *Entry) defaultpolicy.Mode {
	if entry.Meta.Settings.DefaultPolicy != nil {
		return *entry.Meta.Settings.DefaultPolicy
	}
	return i.clusterDefault
}

// EffectivePolicy returns the pod's default policy override, falling back to
// the cluster default.
func (i *Index) EffectivePolicy(id model.PodIdentifier) (defaultpolicy.Mode, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	entry, ok := i.entries[id.ToKey()]
	if !ok {
		return "", ErrPodNotIndexed
	}
	return i.effectivePolicy(entry), nil
}

// ResolvePort resolves a Server port reference against the pod. Numbers
// resolve to themselves, names to all TCP container ports with that name.
func (i *Index) ResolvePort(id model.PodIdentifier, port intstr.IntOrString) (ports.PortSet, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	entry, ok := i.entries[id.ToKey()]
	if !ok {
		return nil, ErrPodNotIndexed
	}

	if port.Type == intstr.Int {
		if port.IntVal <= 0 || port.IntVal > 65535 {
			return nil, fmt.Errorf("%w: %d", ports.ErrInvalidPort, port.IntVal)
		}
		return ports.New(uint16(port.IntVal)), nil
	}

	set, ok := entry.PortNames.Lookup(port.StrVal)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPortNameNotFound, port.StrVal)
	}
	return ports.New(set.Sorted()...), nil
}

// SelectPods returns the pods in the namespace whose labels match the
// selector, sorted by name. An empty namespace selects from all namespaces.
func (i *Index) SelectPods(namespace string, selector labels.Selector) []model.PodIdentifier {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	result := []model.PodIdentifier{}
	for _, entry := range i.entries {
		if namespace != "" && entry.ID.Namespace != namespace {
			continue
		}
		if !selector.Matches(entry.Meta.Labels) {
			continue
		}
		result = append(result, entry.ID)
	}

	slices.SortFunc(result, func(a, b model.PodIdentifier) int {
		if c := cmp.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return result
}

// CountByPolicy returns the number of pods per effective default policy.
func (i *Index) CountByPolicy() map[defaultpolicy.Mode]int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	result := make(map[defaultpolicy.Mode]int)
	for _, entry := range i.entries {
		result[i.effectivePolicy(entry)]++
	}
	return result
}

func (i *Index) podPolicy(entry *Entry) model.PodPolicy {
	result := model.PodPolicy{
		Namespace:       entry.ID.Namespace,
		Name:            entry.ID.Name,
		Labels:          entry.Meta.Labels,
		EffectivePolicy: i.effectivePolicy(entry).String(),
		OpaquePorts:     entry.Meta.Settings.OpaquePorts,
		RequireIDPorts:  entry.Meta.Settings.RequireIDPorts,
		PortNames:       entry.PortNames,
	}
	if entry.Meta.Settings.DefaultPolicy != nil {
		result.DefaultPolicy = entry.Meta.Settings.DefaultPolicy.String()
	}
	return result
}

// PodPolicy returns the externally visible form of a single entry.
func (i *Index) PodPolicy(id model.PodIdentifier) (model.PodPolicy, error) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	entry, ok := i.entries[id.ToKey()]
	if !ok {
		return model.PodPolicy{}, ErrPodNotIndexed
	}
	return i.podPolicy(entry), nil
}

// Snapshot returns all entries, sorted by their namespace/name key.
func (i *Index) Snapshot() model.IndexSnapshot {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	keys := maps.Keys(i.entries)
	slices.Sort(keys)

	result := model.IndexSnapshot{
		ClusterDefaultPolicy: i.clusterDefault.String(),
		Pods:                 make([]model.PodPolicy, len(keys)),
	}
	for n, key := range keys {
		result.Pods[n] = i.podPolicy(i.entries[key])
	}
	return result
}
