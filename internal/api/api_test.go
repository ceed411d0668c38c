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
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/index"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/pod"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

type apiFixture struct {
	t *testing.T

	index  *index.Index
	router *gin.Engine
}

func newAPIFixture(t *testing.T, allowedOrigins ...string) *apiFixture {
	gin.SetMode(gin.TestMode)

	f := &apiFixture{}
	f.t = t
	f.index = index.New(defaultpolicy.ClusterAuthenticated)
	f.router = NewRouter(NewServer(f.index), allowedOrigins)

	f.index.Apply(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "shop",
			Name:      "web-0",
			Labels:    map[string]string{"app": "web"},
			Annotations: map[string]string{
				pod.AnnotationDefaultPolicy: "deny",
				pod.AnnotationOpaquePorts:   "5432",
			},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name: "nginx",
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: 80},
					},
				},
				{
					Name: "admin",
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: 8080},
					},
				},
			},
		},
	})
	f.index.Apply(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "shop",
			Name:      "db-0",
			Labels:    map[string]string{"app": "db"},
		},
	})
	f.index.Apply(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "blog",
			Name:      "web-0",
			Labels:    map[string]string{"app": "web"},
		},
	})

	return f
}

func (f *apiFixture) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(rec, req)
	return rec
}

type podList struct {
	ClusterDefaultPolicy string            `json:"cluster-default-policy"`
	Pods                 []model.PodPolicy `json:"pods"`
}

func (f *apiFixture) listPods(path string) podList {
	rec := f.get(path)
	require.Equal(f.t, http.StatusOK, rec.Code)
	var result podList
	require.Nil(f.t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func names(pods []model.PodPolicy) []string {
	result := []string{}
	for _, p := range pods {
		result = append(result, model.PodIdentifier{Namespace: p.Namespace, Name: p.Name}.ToKey())
	}
	return result
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok", "pods": 3}`, rec.Body.String())
}

func TestListPods(t *testing.T) {
	f := newAPIFixture(t)

	all := f.listPods("/v1/pods")
	assert.Equal(t, "cluster-authenticated", all.ClusterDefaultPolicy)
	assert.Equal(t, []string{"blog/web-0", "shop/db-0", "shop/web-0"}, names(all.Pods))

	inShop := f.listPods("/v1/pods?namespace=shop")
	assert.Equal(t, []string{"shop/db-0", "shop/web-0"}, names(inShop.Pods))

	webs := f.listPods("/v1/pods?selector=app%3Dweb")
	assert.Equal(t, []string{"blog/web-0", "shop/web-0"}, names(webs.Pods))

	none := f.listPods("/v1/pods?namespace=shop&selector=app%3Dcache")
	assert.Empty(t, none.Pods)
}

func TestListPodsRejectsInvalidSelector(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/v1/pods?selector=app%3D%3D%3D")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPod(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/v1/pods/shop/web-0")
	require.Equal(t, http.StatusOK, rec.Code)

	var policy model.PodPolicy
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, "deny", policy.DefaultPolicy)
	assert.Equal(t, "deny", policy.EffectivePolicy)
	assert.Equal(t, ports.New(5432), policy.OpaquePorts)
	assert.Equal(t, 0, policy.RequireIDPorts.Len())
	assert.Equal(t, ports.New(80, 8080), policy.PortNames["http"])

	rec = f.get("/v1/pods/shop/db-0")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, "cluster-authenticated", policy.EffectivePolicy)

	rec = f.get("/v1/pods/shop/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolvePort(t *testing.T) {
	f := newAPIFixture(t)

	var resolution PortResolution
	rec := f.get("/v1/pods/shop/web-0/ports/http")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resolution))
	assert.Equal(t, "http", resolution.Port)
	assert.Equal(t, []uint16{80, 8080}, resolution.Ports.Sorted())

	rec = f.get("/v1/pods/shop/web-0/ports/9000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resolution))
	assert.Equal(t, []uint16{9000}, resolution.Ports.Sorted())

	assert.Equal(t, http.StatusNotFound, f.get("/v1/pods/shop/web-0/ports/grpc").Code)
	assert.Equal(t, http.StatusNotFound, f.get("/v1/pods/shop/missing/ports/http").Code)
	assert.Equal(t, http.StatusBadRequest, f.get("/v1/pods/shop/web-0/ports/0").Code)
	assert.Equal(t, http.StatusBadRequest, f.get("/v1/pods/shop/web-0/ports/70000").Code)
}

func TestCORSHeaders(t *testing.T) {
	f := newAPIFixture(t, "https://dashboard.example.com")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNoCORSWithoutAllowedOrigins(t *testing.T) {
	f := newAPIFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
