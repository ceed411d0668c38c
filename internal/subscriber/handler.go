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
package subscriber

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt"
	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
)

// SnapshotHandlerv1 receives signed index snapshots pushed by the controller
// and serves the most recent one.
type SnapshotHandlerv1 struct {
	mutex  sync.RWMutex
	latest *model.IndexSnapshot

	MaxRequestSize int64
	SharedSecret   []byte
	// Optional
	Output *SnapshotFile
}

func (h *SnapshotHandlerv1) Latest() (model.IndexSnapshot, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.latest == nil {
		return model.IndexSnapshot{}, false
	}
	return *h.latest, true
}

func (h *SnapshotHandlerv1) preflightCheck(w http.ResponseWriter, r *http.Request) (contentLength int64, success bool) {
	contentType := r.Header.Get("Content-Type")
	mediatype, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return contentLength, false
	}

	if mediatype != "application/jwt" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return contentLength, false
	}

	contentLength = r.ContentLength
	if contentLength < 0 {
		w.WriteHeader(http.StatusLengthRequired)
		return contentLength, false
	}

	if contentLength > h.MaxRequestSize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return contentLength, false
	}

	return contentLength, true
}

func (h *SnapshotHandlerv1) serveLatest(w http.ResponseWriter) {
	snapshot, ok := h.Latest()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&snapshot); err != nil {
		klog.Warningf("failed to write snapshot: %s", err.Error())
	}
}

func (h *SnapshotHandlerv1) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	klog.V(5).Infof("incoming %s request from %s", r.Method, r.RemoteAddr)

	switch r.Method {
	case http.MethodGet:
		h.serveLatest(w)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	size, ok := h.preflightCheck(w, r)
	if !ok {
		klog.V(5).Infof("request from %s did not pass preflight", r.RemoteAddr)
		return
	}

	body := &strings.Builder{}
	received, err := io.CopyN(body, r.Body, size)
	if (err != nil && err != io.EOF) || received < size {
		klog.V(5).Infof("Failed to read full request body. Bytes read %d (expected %d), error %v", received, size, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	claims := &model.SnapshotClaim{}
	token, err := jwt.ParseWithClaims(body.String(), claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.SharedSecret, nil
	})
	if err != nil {
		klog.V(5).Infof("Failed to parse token: %s", err.Error())
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorMalformed == 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !token.Valid {
		klog.V(5).Infof("Failed to validate token")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := claims.Snapshot.Validate(); err != nil {
		klog.Warningf("Received invalid snapshot: %s", err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Add("Content-Type", "text/plain")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	klog.V(1).Infof("received snapshot with %d pods", len(claims.Snapshot.Pods))

	if h.Output != nil {
		if _, err := h.Output.WriteWithRollback(&claims.Snapshot); err != nil {
			msg := fmt.Sprintf("Failed to write snapshot file: %s", err.Error())
			klog.Error(msg)
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(msg))
			return
		}
	}
	h.latest = &claims.Snapshot

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("success"))
}
