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
// The code in this file is also heavily based on:
// https://github.com/kubernetes/sample-controller
// which is Copyright 2017 The Kubernetes Authors under the Apache 2.0 License
package controller

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	coreinformers "k8s.io/client-go/informers/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/index"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
)

const controllerAgentName = "ch-k8s-pod-policy-index"

// Controller keeps the pod index in sync with the pods known to the API
// server.
type Controller struct {
	podsSynced cache.InformerSynced

	pushInterval time.Duration

	worker *Worker
}

func NewEventRecorder(kubeclientset kubernetes.Interface) record.EventRecorder {
	klog.V(4).Info("Creating event broadcaster")
	eventBroadcaster := record.NewBroadcaster()
	eventBroadcaster.StartLogging(klog.Infof)
	eventBroadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: kubeclientset.CoreV1().Events("")})
	return eventBroadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: controllerAgentName})
}

func NewController(
	podInformer coreinformers.PodInformer,
	idx *index.Index,
	recorder record.EventRecorder,
	subscribers SubscriberController,
	pushInterval time.Duration,
) (*Controller, error) {
	if pushInterval <= 0 {
		return nil, fmt.Errorf("push interval must be positive (got %s)", pushInterval)
	}

	controller := &Controller{
		podsSynced:   podInformer.Informer().HasSynced,
		pushInterval: pushInterval,
		worker:       NewWorker(idx, podInformer.Lister(), recorder, subscribers),
	}

	klog.Info("Setting up event handlers")
	podInformer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: controller.handleObject,
		UpdateFunc: func(old, new interface{}) {
			oldPod, oldOk := old.(*corev1.Pod)
			newPod, newOk := new.(*corev1.Pod)
			if oldOk && newOk && oldPod.ResourceVersion == newPod.ResourceVersion {
				// Periodic resync will send update events for all known pods.
				// Two different versions of the same pod will always have
				// different RVs.
				return
			}
			controller.handleObject(new)
		},
		DeleteFunc: controller.deleteObject,
	})

	return controller, nil
}

// Run waits for the informer caches to sync and starts the workers. It will
// block until stopCh is closed, at which point it will shutdown the workqueue
// and wait for workers to finish processing their current work items.
func (c *Controller) Run(threadiness int, stopCh <-chan struct{}) error {
	defer utilruntime.HandleCrash()
	defer c.worker.ShutDown()

	klog.Info("Starting pod policy index controller")

	klog.Info("Waiting for informer caches to sync")
	if ok := cache.WaitForCacheSync(stopCh, c.podsSynced); !ok {
		return fmt.Errorf("failed to wait for caches to sync")
	}

	klog.Infof("Starting %d workers", threadiness)
	for i := 0; i < threadiness; i++ {
		go wait.Until(c.worker.Run, time.Second, stopCh)
	}

	// Subscribers which restarted since the last change would otherwise
	// only learn about the index with the next pod change.
	go wait.Until(c.periodicPush, c.pushInterval, stopCh)

	klog.Info("Started workers")
	<-stopCh
	klog.Info("Shutting down workers")

	return nil
}

func (c *Controller) periodicPush() {
	klog.V(3).Info("Triggering periodic snapshot push")
	c.worker.EnqueueJob(PushSnapshotJob{})
}

func (c *Controller) handleObject(obj interface{}) {
	var object metav1.Object
	var ok bool
	if object, ok = obj.(metav1.Object); !ok {
		klog.V(5).Infof("ignoring non-castable object in handleObject; expecting deletion event")
		return
	}
	klog.V(4).Infof("Processing object: %s/%s", object.GetNamespace(), object.GetName())

	identifier, err := model.FromObject(object)
	if err != nil {
		utilruntime.HandleError(err)
		return
	}
	c.worker.EnqueueJob(SyncPodJob{identifier})
}

func (c *Controller) deleteObject(obj interface{}) {
	var object metav1.Object
	var ok bool
	if object, ok = obj.(metav1.Object); !ok {
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			utilruntime.HandleError(fmt.Errorf("error decoding object, invalid type"))
			return
		}
		object, ok = tombstone.Obj.(metav1.Object)
		if !ok {
			utilruntime.HandleError(fmt.Errorf("error decoding object tombstone, invalid type"))
			return
		}
		klog.Infof("Recovered deleted object '%s' from tombstone", object.GetName())
	}

	identifier, err := model.FromObject(object)
	if err != nil {
		utilruntime.HandleError(err)
		return
	}
	c.worker.EnqueueJob(RemovePodJob{identifier})
}
