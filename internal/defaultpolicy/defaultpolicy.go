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
package defaultpolicy

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMode = errors.New("unknown default policy")
)

// Mode is the default inbound policy applied to traffic which no Server
// resource selects.
type Mode string

const (
	AllUnauthenticated     Mode = "all-unauthenticated"
	AllAuthenticated       Mode = "all-authenticated"
	ClusterUnauthenticated Mode = "cluster-unauthenticated"
	ClusterAuthenticated   Mode = "cluster-authenticated"
	Deny                   Mode = "deny"
	Audit                  Mode = "audit"
)

var modes = []Mode{
	AllUnauthenticated,
	AllAuthenticated,
	ClusterUnauthenticated,
	ClusterAuthenticated,
	Deny,
	Audit,
}

// Modes returns all known modes in a stable order.
func Modes() []Mode {
	result := make([]Mode, len(modes))
	copy(result, modes)
	return result
}

func Parse(value string) (Mode, error) {
	for _, mode := range modes {
		if string(mode) == value {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, value)
}

func (m Mode) String() string {
	return string(m)
}

// AuthenticatedOnly reports whether the mode only admits clients with a
// mesh identity.
func (m Mode) AuthenticatedOnly() bool {
	return m == AllAuthenticated || m == ClusterAuthenticated
}

// ClusterOnly reports whether the mode only admits clients from the
// cluster networks.
func (m Mode) ClusterOnly() bool {
	return m == ClusterUnauthenticated || m == ClusterAuthenticated
}

func (m Mode) Denies() bool {
	return m == Deny
}
