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
package controller

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/index"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/pod"
)

type RequeueMode int

const (
	Drop        = RequeueMode(0)
	RequeueHead = RequeueMode(1)
	RequeueTail = RequeueMode(2)
)

const (
	EventInvalidAnnotation = "InvalidAnnotation"

	MessageEventInvalidAnnotation = "Ignoring annotation %s: %s"
)

type Worker struct {
	index       *index.Index
	podsLister  corelisters.PodLister
	recorder    record.EventRecorder
	subscribers SubscriberController

	workqueue workqueue.RateLimitingInterface
}

func NewWorker(
	idx *index.Index,
	pods corelisters.PodLister,
	recorder record.EventRecorder,
	subscribers SubscriberController) *Worker {
	return &Worker{
		index:       idx,
		podsLister:  pods,
		recorder:    recorder,
		subscribers: subscribers,
		workqueue:   workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "Jobs"),
	}
}

func (w *Worker) EnqueueJob(j WorkerJob) {
	w.workqueue.Add(j)
}

func (w *Worker) RequeueJob(j WorkerJob) {
	w.workqueue.AddRateLimited(j)
}

func (w *Worker) ShutDown() {
	w.workqueue.ShutDown()
}

func (w *Worker) Run() {
	klog.Infof("Worker started")
	for w.processNextJob() {
	}
}

func (w *Worker) executeJob(job WorkerJob) error {
	defer w.workqueue.Done(job)

	requeue, err := job.Run(w)
	if err != nil {
		if requeue != Drop {
			w.workqueue.AddRateLimited(job)
			return fmt.Errorf(
				"error processing job %s: %s; requeueing",
				job.ToString(), err.Error(),
			)
		}
		w.workqueue.Forget(job)
		return fmt.Errorf(
			"error processing job %s: %s; dropping",
			job.ToString(), err.Error(),
		)
	}

	if requeue != Drop {
		w.workqueue.AddRateLimited(job)
	} else {
		w.workqueue.Forget(job)
	}

	klog.V(2).Infof("Successfully executed job %s", job.ToString())
	return nil
}

func (w *Worker) processNextJob() bool {
	jobInterface, shutdown := w.workqueue.Get()
	if shutdown {
		return false
	}

	job, ok := jobInterface.(WorkerJob)
	// We have to call workqueue.Done for all jobs, even those we Forget.
	// executeJob will call Done itself, so we don't use defer here.
	if !ok {
		w.workqueue.Forget(jobInterface)
		w.workqueue.Done(jobInterface)
		utilruntime.HandleError(fmt.Errorf(
			"expected WorkerJob in queue, but got %#v", jobInterface,
		))
		return true
	}

	err := w.executeJob(job)
	if err != nil {
		utilruntime.HandleError(err)
	}

	return true
}

// Jobs are plain values so that the workqueue deduplicates equal jobs.
type WorkerJob interface {
	Run(w *Worker) (RequeueMode, error)
	ToString() string
}

type SyncPodJob struct {
	Pod model.PodIdentifier
}

func (j SyncPodJob) Run(w *Worker) (RequeueMode, error) {
	p, err := w.podsLister.Pods(j.Pod.Namespace).Get(j.Pod.Name)
	if err != nil {
		if errors.IsNotFound(err) {
			// the pod is gone before we got to look at it; the delete event
			// may have been missed, so we clean up here as well
			if w.index.Delete(j.Pod) {
				w.EnqueueJob(PushSnapshotJob{})
			}
			return Drop, nil
		}
		return RequeueTail, err
	}

	if !w.index.Apply(p) {
		return Drop, nil
	}

	w.recordIssues(p)
	w.EnqueueJob(PushSnapshotJob{})
	return Drop, nil
}

func (w *Worker) recordIssues(p *corev1.Pod) {
	for _, issue := range pod.ReadSettings(p.Annotations).Issues {
		w.recorder.Eventf(p, corev1.EventTypeWarning, EventInvalidAnnotation, MessageEventInvalidAnnotation, issue.Key, issue.Err.Error())
	}
}

func (j SyncPodJob) ToString() string {
	return fmt.Sprintf("SyncPodJob(%q)", j.Pod.ToKey())
}

type RemovePodJob struct {
	Pod model.PodIdentifier
}

func (j RemovePodJob) Run(w *Worker) (RequeueMode, error) {
	if w.index.Delete(j.Pod) {
		w.EnqueueJob(PushSnapshotJob{})
	}
	return Drop, nil
}

func (j RemovePodJob) ToString() string {
	return fmt.Sprintf("RemovePodJob(%q)", j.Pod.ToKey())
}

type PushSnapshotJob struct{}

func (j PushSnapshotJob) Run(w *Worker) (RequeueMode, error) {
	snapshot := w.index.Snapshot()
	err := w.subscribers.PushSnapshot(&snapshot)
	if err != nil {
		return RequeueTail, err
	}
	return Drop, nil
}

func (j PushSnapshotJob) ToString() string {
	return "PushSnapshotJob"
}
