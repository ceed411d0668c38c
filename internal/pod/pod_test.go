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
	"errors"
	"fmt"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

type logCapture struct {
	messages []string
}

func captureWarnings(t *testing.T) *logCapture {
	c := &logCapture{}
	orig := warningf
	warningf = func(format string, args ...interface{}) {
		c.messages = append(c.messages, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() {
		warningf = orig
	})
	return c
}

func TestSettingsWithoutAnnotations(t *testing.T) {
	logs := captureWarnings(t)

	assert.Equal(t, Settings{}, SettingsFromMetadata(&metav1.ObjectMeta{}))
	assert.Equal(t, Settings{}, SettingsFromMetadata(nil))
	assert.Equal(t, Settings{}, SettingsFromMetadata(&metav1.ObjectMeta{
		Annotations: map[string]string{"unrelated": "0"},
	}))
	assert.Empty(t, logs.messages)
}

func TestSettingsFromAnnotations(t *testing.T) {
	logs := captureWarnings(t)

	settings := SettingsFromMetadata(&metav1.ObjectMeta{
		Annotations: map[string]string{
			AnnotationDefaultPolicy:  "cluster-authenticated",
			AnnotationOpaquePorts:    "3306,5432",
			AnnotationRequireIDPorts: "8080-8081,3306",
		},
	})

	require.NotNil(t, settings.DefaultPolicy)
	assert.Equal(t, defaultpolicy.ClusterAuthenticated, *settings.DefaultPolicy)
	assert.Equal(t, ports.New(3306, 5432), settings.OpaquePorts)
	// overlapping sets are kept as they are
	assert.Equal(t, ports.New(3306, 8080, 8081), settings.RequireIDPorts)
	assert.Empty(t, logs.messages)
}

func TestSettingsFieldsFailIndependently(t *testing.T) {
	logs := captureWarnings(t)

	settings := SettingsFromMetadata(&metav1.ObjectMeta{
		Annotations: map[string]string{
			AnnotationDefaultPolicy:  "allow-everything",
			AnnotationOpaquePorts:    "2-1",
			AnnotationRequireIDPorts: "443",
		},
	})

	assert.Nil(t, settings.DefaultPolicy)
	assert.Nil(t, settings.OpaquePorts)
	assert.Equal(t, ports.New(443), settings.RequireIDPorts)
	assert.Len(t, logs.messages, 2)
}

func TestReadSettingsReportsIssues(t *testing.T) {
	result := ReadSettings(map[string]string{
		AnnotationDefaultPolicy:  "nope",
		AnnotationRequireIDPorts: "0",
	})

	assert.Equal(t, Settings{}, result.Settings)
	require.Len(t, result.Issues, 2)

	assert.Equal(t, AnnotationDefaultPolicy, result.Issues[0].Key)
	assert.Equal(t, "nope", result.Issues[0].Value)
	assert.True(t, errors.Is(result.Issues[0], defaultpolicy.ErrUnknownMode))

	assert.Equal(t, AnnotationRequireIDPorts, result.Issues[1].Key)
	assert.True(t, errors.Is(result.Issues[1], ports.ErrZeroPort))
}

func TestReadSettingsWithNilAnnotations(t *testing.T) {
	result := ReadSettings(nil)
	assert.Equal(t, Settings{}, result.Settings)
	assert.Empty(t, result.Issues)
}

func TestEmptyPortsAnnotationYieldsEmptySet(t *testing.T) {
	result, issue := ReadPortsAnnotation(map[string]string{AnnotationOpaquePorts: ""}, AnnotationOpaquePorts)
	assert.Nil(t, issue)
	assert.Equal(t, 0, result.Len())
}

func TestPortsAnnotationLogsOncePerInvalidValue(t *testing.T) {
	logs := captureWarnings(t)
	counter := invalidAnnotations.With(prometheus.Labels{"annotation": AnnotationOpaquePorts})
	before := testutil.ToFloat64(counter)

	annotations := map[string]string{AnnotationOpaquePorts: "65537"}
	assert.Equal(t, 0, PortsAnnotation(annotations, AnnotationOpaquePorts).Len())
	require.Len(t, logs.messages, 1)
	assert.Contains(t, logs.messages[0], AnnotationOpaquePorts)
	assert.Contains(t, logs.messages[0], `"65537"`)

	assert.Equal(t, 0, PortsAnnotation(annotations, AnnotationOpaquePorts).Len())
	assert.Len(t, logs.messages, 2)
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestPortsAnnotationMissingKey(t *testing.T) {
	logs := captureWarnings(t)

	assert.Nil(t, PortsAnnotation(map[string]string{}, AnnotationOpaquePorts))
	assert.Empty(t, logs.messages)
}

func TestSettingsEqual(t *testing.T) {
	deny := defaultpolicy.Deny
	audit := defaultpolicy.Audit
	otherDeny := defaultpolicy.Deny

	assert.True(t, Settings{}.Equal(Settings{OpaquePorts: ports.PortSet{}}))
	assert.True(t, Settings{DefaultPolicy: &deny}.Equal(Settings{DefaultPolicy: &otherDeny}))
	assert.False(t, Settings{DefaultPolicy: &deny}.Equal(Settings{DefaultPolicy: &audit}))
	assert.False(t, Settings{DefaultPolicy: &deny}.Equal(Settings{}))
	assert.False(t, Settings{OpaquePorts: ports.New(1)}.Equal(Settings{RequireIDPorts: ports.New(1)}))
}

func TestMetaFromMetadata(t *testing.T) {
	captureWarnings(t)

	objMeta := &metav1.ObjectMeta{
		Namespace:   "default",
		Name:        "pod-1",
		Labels:      map[string]string{"app": "web"},
		Annotations: map[string]string{AnnotationOpaquePorts: "3306"},
	}
	meta := MetaFromMetadata(objMeta)

	assert.Equal(t, "web", meta.Labels.Get("app"))
	assert.Equal(t, ports.New(3306), meta.Settings.OpaquePorts)

	// the labels are owned by the Meta
	objMeta.Labels["app"] = "db"
	assert.Equal(t, "web", meta.Labels.Get("app"))

	assert.True(t, meta.Equal(MetaFromMetadata(&metav1.ObjectMeta{
		Labels:      map[string]string{"app": "web"},
		Annotations: map[string]string{AnnotationOpaquePorts: "3306"},
	})))
	assert.False(t, meta.Equal(MetaFromMetadata(&metav1.ObjectMeta{
		Labels: map[string]string{"app": "web"},
	})))
}

func TestTCPPortNames(t *testing.T) {
	spec := &corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name: "app",
				Ports: []corev1.ContainerPort{
					{Name: "http", ContainerPort: 80, Protocol: corev1.ProtocolTCP},
					{Name: "http", ContainerPort: 8080},
					{Name: "udp1", ContainerPort: 53, Protocol: corev1.ProtocolUDP},
					{ContainerPort: 9, Protocol: corev1.ProtocolTCP},
				},
			},
		},
	}

	assert.Equal(t, PortNames{"http": ports.New(80, 8080)}, TCPPortNames(spec))
}

func TestTCPPortNamesAcrossContainers(t *testing.T) {
	spec := &corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:  "app",
				Ports: []corev1.ContainerPort{{Name: "admin", ContainerPort: 9990}},
			},
			{
				Name: "sidecar",
				Ports: []corev1.ContainerPort{
					{Name: "admin", ContainerPort: 9991},
					{Name: "sctp", ContainerPort: 7777, Protocol: corev1.ProtocolSCTP},
				},
			},
			{
				Name: "no-ports",
			},
		},
	}

	names := TCPPortNames(spec)
	assert.Equal(t, PortNames{"admin": ports.New(9990, 9991)}, names)

	set, ok := names.Lookup("admin")
	assert.True(t, ok)
	assert.Equal(t, []uint16{9990, 9991}, set.Sorted())

	_, ok = names.Lookup("sctp")
	assert.False(t, ok)
}

func TestTCPPortNamesWithoutSpec(t *testing.T) {
	assert.Equal(t, PortNames{}, TCPPortNames(nil))
	assert.Equal(t, PortNames{}, TCPPortNames(&corev1.PodSpec{}))
}

func TestPortNamesEqual(t *testing.T) {
	a := PortNames{"http": ports.New(80)}
	assert.True(t, a.Equal(PortNames{"http": ports.New(80)}))
	assert.False(t, a.Equal(PortNames{"http": ports.New(81)}))
	assert.False(t, a.Equal(PortNames{"web": ports.New(80)}))
	assert.False(t, a.Equal(PortNames{}))
}
