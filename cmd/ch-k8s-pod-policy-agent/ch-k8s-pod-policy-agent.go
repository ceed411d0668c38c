package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"k8s.io/klog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/config"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/subscriber"
)

var (
	configPath string
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	fileCfg, err := config.ReadAgentConfigFromFile(configPath)
	if err != nil {
		klog.Fatalf("Failed reading config: %s", err.Error())
	}

	config.FillAgentConfig(&fileCfg)
	err = config.ValidateAgentConfig(&fileCfg)
	if err != nil {
		klog.Fatalf("invalid configuration: %s", err.Error())
	}

	sharedSecret, err := base64.StdEncoding.DecodeString(fileCfg.SharedSecret)
	if err != nil {
		klog.Fatalf("shared-secret failed to decode: %s", err.Error())
	}

	handler := &subscriber.SnapshotHandlerv1{
		MaxRequestSize: fileCfg.MaxRequestSize,
		SharedSecret:   sharedSecret,
	}
	if fileCfg.SnapshotFile != "" {
		handler.Output = &subscriber.SnapshotFile{
			Generator:     &subscriber.JSONGenerator{},
			Path:          fileCfg.SnapshotFile,
			ReloadCommand: fileCfg.ReloadCommand,
		}
	}

	http.Handle("/v1/snapshot", handler)

	http.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", fileCfg.BindAddress, fileCfg.BindPort))
	if err != nil {
		klog.Fatalf("Failed to set up HTTP listener: %s", err.Error())
	}

	s := &http.Server{
		Handler:           nil,
		ReadTimeout:       2 * time.Second,
		ReadHeaderTimeout: 1 * time.Second,
		IdleTimeout:       10 * time.Second,
	}

	if err := s.Serve(listener); err != nil {
		klog.Fatalf("HTTP server failed: %s", err.Error())
	}
}

func init() {
	flag.StringVar(&configPath, "config", "agent-config.toml", "Path to the agent config file.")
}
