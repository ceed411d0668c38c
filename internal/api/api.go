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
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/index"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/ports"
)

// Server answers read-only queries against the pod index.
type Server struct {
	index *index.Index
}

type PortResolution struct {
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	Port      string        `json:"port"`
	Ports     ports.PortSet `json:"ports"`
}

func NewServer(idx *index.Index) *Server {
	return &Server{index: idx}
}

// NewRouter builds the gin engine for the query API. CORS headers are only
// sent if at least one origin is allowed.
func NewRouter(s *Server, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	if len(allowedOrigins) > 0 {
		corsConfig := cors.Config{
			AllowMethods: []string{http.MethodGet, http.MethodHead},
			AllowHeaders: []string{"Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}
		for _, origin := range allowedOrigins {
			if origin == "*" {
				corsConfig.AllowAllOrigins = true
			}
		}
		if !corsConfig.AllowAllOrigins {
			corsConfig.AllowOrigins = allowedOrigins
		}
		router.Use(cors.New(corsConfig))
	}

	router.GET("/healthz", s.Healthz())

	v1 := router.Group("/v1")
	v1.GET("/pods", s.ListPods())
	v1.GET("/pods/:namespace/:name", s.GetPod())
	v1.GET("/pods/:namespace/:name/ports/:port", s.ResolvePort())

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		klog.V(4).Infof("%s %s -> %d (%s)", ctx.Request.Method, ctx.Request.URL.Path, ctx.Writer.Status(), time.Since(start))
	}
}

func (s *Server) Healthz() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"pods":   s.index.Len(),
		})
	}
}

// ListPods returns the policy of every pod matching the optional namespace
// and label selector query parameters.
func (s *Server) ListPods() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		selector, err := labels.Parse(ctx.Query("selector"))
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		ids := s.index.SelectPods(ctx.Query("namespace"), selector)
		result := make([]model.PodPolicy, 0, len(ids))
		for _, id := range ids {
			policy, err := s.index.PodPolicy(id)
			if err != nil {
				// removed between select and lookup
				continue
			}
			result = append(result, policy)
		}

		ctx.JSON(http.StatusOK, gin.H{
			"cluster-default-policy": s.index.ClusterDefault().String(),
			"pods":                   result,
		})
	}
}

func (s *Server) GetPod() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := podIdentifier(ctx)
		policy, err := s.index.PodPolicy(id)
		if err != nil {
			respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, policy)
	}
}

// ResolvePort resolves a numeric or named port reference against the pod.
func (s *Server) ResolvePort() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := podIdentifier(ctx)
		port := intstr.Parse(ctx.Param("port"))

		resolved, err := s.index.ResolvePort(id, port)
		if err != nil {
			respondError(ctx, err)
			return
		}

		ctx.JSON(http.StatusOK, PortResolution{
			Namespace: id.Namespace,
			Name:      id.Name,
			Port:      port.String(),
			Ports:     resolved,
		})
	}
}

func podIdentifier(ctx *gin.Context) model.PodIdentifier {
	return model.PodIdentifier{
		Namespace: ctx.Param("namespace"),
		Name:      ctx.Param("name"),
	}
}

func respondError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, index.ErrPodNotIndexed), errors.Is(err, index.ErrPortNameNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrInvalidPort):
		status = http.StatusBadRequest
	}
	ctx.JSON(status, gin.H{
		"error": err.Error(),
	})
}
