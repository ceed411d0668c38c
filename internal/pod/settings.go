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
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

const (
	AnnotationDefaultPolicy  = "config.linkerd.io/default-inbound-policy"
	AnnotationOpaquePorts    = "config.linkerd.io/opaque-ports"
	AnnotationRequireIDPorts = "config.linkerd.io/proxy-require-identity-inbound-ports"
)

var (
	// replaced in tests
	warningf = klog.Warningf

	invalidAnnotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ch_k8s_pod_policy_index_invalid_annotations_total",
			Help: "Number of annotation values which were ignored because they could not be parsed",
		},
		[]string{"annotation"},
	)
)

func RegisterMetrics(r prometheus.Registerer) error {
	return r.Register(invalidAnnotations)
}

// Settings holds the per-pod configuration derived from its annotations.
// Empty port sets are represented as nil.
type Settings struct {
	RequireIDPorts ports.PortSet
	OpaquePorts    ports.PortSet
	DefaultPolicy  *defaultpolicy.Mode
}

func (s Settings) Equal(other Settings) bool {
	if !s.RequireIDPorts.Equal(other.RequireIDPorts) || !s.OpaquePorts.Equal(other.OpaquePorts) {
		return false
	}
	if s.DefaultPolicy == nil || other.DefaultPolicy == nil {
		return s.DefaultPolicy == other.DefaultPolicy
	}
	return *s.DefaultPolicy == *other.DefaultPolicy
}

// AnnotationIssue describes an annotation value which was ignored.
type AnnotationIssue struct {
	Key   string
	Value string
	Err   error
}

func (i AnnotationIssue) Error() string {
	return fmt.Sprintf("invalid value %q for annotation %s: %s", i.Value, i.Key, i.Err.Error())
}

func (i AnnotationIssue) Unwrap() error {
	return i.Err
}

// SettingsResult is the outcome of reading all settings annotations: the
// settings with every invalid field reset to its empty value, plus one issue
// per field which had to fall back.
type SettingsResult struct {
	Settings Settings
	Issues   []AnnotationIssue
}

// ReadPortsAnnotation parses the annotation as a port set. A missing
// annotation yields an empty set and no issue; an invalid one yields an
// empty set and an issue.
func ReadPortsAnnotation(annotations map[string]string, key string) (ports.PortSet, *AnnotationIssue) {
	value, ok := annotations[key]
	if !ok {
		return nil, nil
	}
	result, err := ports.Parse(value)
	if err != nil {
		return nil, &AnnotationIssue{Key: key, Value: value, Err: err}
	}
	if result.Len() == 0 {
		return nil, nil
	}
	return result, nil
}

// ReadDefaultPolicy returns the default policy override, or nil if there is
// none or it is invalid.
func ReadDefaultPolicy(annotations map[string]string) (*defaultpolicy.Mode, *AnnotationIssue) {
	value, ok := annotations[AnnotationDefaultPolicy]
	if !ok {
		return nil, nil
	}
	mode, err := defaultpolicy.Parse(value)
	if err != nil {
		return nil, &AnnotationIssue{Key: AnnotationDefaultPolicy, Value: value, Err: err}
	}
	return &mode, nil
}

// ReadSettings computes each settings field independently from the
// annotations. It has no side effects.
func ReadSettings(annotations map[string]string) SettingsResult {
	result := SettingsResult{}
	if annotations == nil {
		return result
	}

	var issue *AnnotationIssue
	collect := func() {
		if issue != nil {
			result.Issues = append(result.Issues, *issue)
		}
	}

	result.Settings.DefaultPolicy, issue = ReadDefaultPolicy(annotations)
	collect()
	result.Settings.OpaquePorts, issue = ReadPortsAnnotation(annotations, AnnotationOpaquePorts)
	collect()
	result.Settings.RequireIDPorts, issue = ReadPortsAnnotation(annotations, AnnotationRequireIDPorts)
	collect()

	return result
}

func reportIssue(issue *AnnotationIssue) {
	warningf("ignoring invalid annotation=%s value=%q: %s", issue.Key, issue.Value, issue.Err.Error())
	invalidAnnotations.With(prometheus.Labels{"annotation": issue.Key}).Inc()
}

// PortsAnnotation reads a port set annotation, logging and ignoring invalid
// values.
func PortsAnnotation(annotations map[string]string, key string) ports.PortSet {
	result, issue := ReadPortsAnnotation(annotations, key)
	if issue != nil {
		reportIssue(issue)
	}
	return result
}

// SettingsFromMetadata reads the pod settings from the object metadata:
//
// - the default inbound policy override
// - opaque ports
// - ports which require a client identity
//
// Invalid annotations are logged and treated as if they were absent.
func SettingsFromMetadata(meta *metav1.ObjectMeta) Settings {
	if meta == nil || meta.Annotations == nil {
		return Settings{}
	}

	result := ReadSettings(meta.Annotations)
	for i := range result.Issues {
		reportIssue(&result.Issues[i])
	}
	return result.Settings
}
