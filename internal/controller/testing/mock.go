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
package testing

import (
	"github.com/stretchr/testify/mock"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
)

type MockSubscriberController struct {
	mock.Mock
}

func NewMockSubscriberController() *MockSubscriberController {
	return new(MockSubscriberController)
}

func (m *MockSubscriberController) PushSnapshot(s *model.IndexSnapshot) error {
	a := m.Called(s)
	return a.Error(0)
}
