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
// The code in this file is also based on:
// https://github.com/kubernetes/sample-controller
// which is Copyright 2017 The Kubernetes Authors under the Apache 2.0 License
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kubeinformers "k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/api"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/config"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/controller"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/defaultpolicy"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/index"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/pod"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/signals"
)

var (
	masterURL  string
	kubeconfig string
	configPath string
)

func listen(address string, port int32) net.Listener {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		klog.Fatalf("Failed to set up HTTP listener: %s", err.Error())
	}
	return listener
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// set up signals so we handle the first shutdown signal gracefully
	stopCh := signals.SetupSignalHandler()

	fileCfg, err := config.ReadControllerConfigFromFile(configPath)
	if err != nil {
		klog.Fatalf("Failed reading config: %s", err.Error())
	}
	config.FillControllerConfig(&fileCfg)
	if err := config.ValidateControllerConfig(&fileCfg); err != nil {
		klog.Fatalf("invalid configuration: %s", err.Error())
	}

	clusterDefault, err := defaultpolicy.Parse(fileCfg.ClusterDefaultPolicy)
	if err != nil {
		klog.Fatalf("invalid cluster-default-policy: %s", err.Error())
	}

	cfg, err := clientcmd.BuildConfigFromFlags(masterURL, kubeconfig)
	if err != nil {
		klog.Fatalf("Error building kubeconfig: %s", err.Error())
	}

	kubeClient, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		klog.Fatalf("Error building kubernetes clientset: %s", err.Error())
	}

	kubeInformerFactory := kubeinformers.NewSharedInformerFactory(kubeClient, time.Duration(fileCfg.ResyncPeriod)*time.Second)

	subscribers, err := controller.NewHTTPSubscriberController(fileCfg.Subscribers)
	if err != nil {
		klog.Fatalf("Failed to configure subscriber controller: %s", err.Error())
	}

	idx := index.New(clusterDefault)

	podController, err := controller.NewController(
		kubeInformerFactory.Core().V1().Pods(),
		idx,
		controller.NewEventRecorder(kubeClient),
		subscribers,
		time.Duration(fileCfg.PushInterval)*time.Second,
	)
	if err != nil {
		klog.Fatalf("Failed to configure controller: %s", err.Error())
	}

	if err := pod.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		klog.Fatalf("Failed to register metrics: %s", err.Error())
	}
	prometheus.DefaultRegisterer.MustRegister(controller.NewCollector(idx))

	http.Handle("/metrics", promhttp.Handler())
	go http.Serve(listen(fileCfg.BindAddress, fileCfg.BindPort), nil)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.NewServer(idx), fileCfg.AllowedOrigins)
	apiServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go apiServer.Serve(listen(fileCfg.BindAddress, fileCfg.APIBindPort))

	// notice that there is no need to run Start methods in a separate goroutine. (i.e. go kubeInformerFactory.Start(stopCh)
	// Start method is non-blocking and runs all registered informers in a dedicated goroutine.
	kubeInformerFactory.Start(stopCh)

	if err = podController.Run(fileCfg.Workers, stopCh); err != nil {
		klog.Fatalf("Error running controller: %s", err.Error())
	}
}

func init() {
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Only required if out-of-cluster.")
	flag.StringVar(&masterURL, "master", "", "The address of the Kubernetes API server. Overrides any value in kubeconfig. Only required if out-of-cluster.")
	flag.StringVar(&configPath, "config", "controller-config.toml", "Path to the controller config file.")
}
