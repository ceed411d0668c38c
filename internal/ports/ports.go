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
package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrInvalidPort        = errors.New("not a valid port number")
	ErrZeroPort           = errors.New("port must not be 0")
	ErrRangeNotIncreasing = errors.New("port range must be increasing")
)

// ParseError is returned by Parse for the first token of a port spec which
// could not be accepted. Err is one of the sentinel errors of this package,
// possibly wrapping the underlying strconv error.
type ParseError struct {
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid port spec %q: %s", e.Token, e.Err.Error())
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PortSet is a set of TCP/UDP port numbers. The zero port is never a member.
type PortSet map[uint16]struct{}

func New(ports ...uint16) PortSet {
	s := make(PortSet, len(ports))
	for _, port := range ports {
		s.Insert(port)
	}
	return s
}

// Insert adds the port to the set. Inserting 0 is a no-op.
func (s PortSet) Insert(port uint16) {
	if port == 0 {
		return
	}
	s[port] = struct{}{}
}

// InsertRange adds all ports from floor to ceil, both inclusive.
func (s PortSet) InsertRange(floor, ceil uint16) {
	for port := uint32(floor); port <= uint32(ceil); port++ {
		s.Insert(uint16(port))
	}
}

func (s PortSet) Has(port uint16) bool {
	_, ok := s[port]
	return ok
}

func (s PortSet) Len() int {
	return len(s)
}

func (s PortSet) Sorted() []uint16 {
	result := maps.Keys(s)
	slices.Sort(result)
	return result
}

func (s PortSet) Equal(other PortSet) bool {
	if len(s) != len(other) {
		return false
	}
	for port := range s {
		if !other.Has(port) {
			return false
		}
	}
	return true
}

func (s PortSet) String() string {
	sorted := s.Sorted()
	parts := make([]string, len(sorted))
	for i, port := range sorted {
		parts[i] = strconv.FormatUint(uint64(port), 10)
	}
	return strings.Join(parts, ",")
}

func (s PortSet) MarshalJSON() ([]byte, error) {
	sorted := s.Sorted()
	if sorted == nil {
		sorted = []uint16{}
	}
	return json.Marshal(sorted)
}

func (s *PortSet) UnmarshalJSON(data []byte) error {
	var raw []uint16
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make(PortSet, len(raw))
	for _, port := range raw {
		if port == 0 {
			return ErrZeroPort
		}
		result.Insert(port)
	}
	*s = result
	return nil
}

func parsePort(token, value string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil {
		return 0, &ParseError{Token: token, Err: fmt.Errorf("%w: %w", ErrInvalidPort, err)}
	}
	return uint16(port), nil
}

// Parse reads a comma-separated list of ports and port ranges, such as
// "80,8080-8090". Empty tokens are skipped, so the empty string yields an
// empty set. On error, no partial result is returned.
func Parse(spec string) (PortSet, error) {
	result := PortSet{}

	for _, token := range strings.Split(spec, ",") {
		floorStr, ceilStr, isRange := strings.Cut(token, "-")
		if !isRange {
			if strings.TrimSpace(token) == "" {
				continue
			}
			port, err := parsePort(token, token)
			if err != nil {
				return nil, err
			}
			if port == 0 {
				return nil, &ParseError{Token: token, Err: ErrZeroPort}
			}
			result.Insert(port)
			continue
		}

		floor, err := parsePort(token, floorStr)
		if err != nil {
			return nil, err
		}
		ceil, err := parsePort(token, ceilStr)
		if err != nil {
			return nil, err
		}
		if floor == 0 {
			return nil, &ParseError{Token: token, Err: ErrZeroPort}
		}
		if floor > ceil {
			return nil, &ParseError{Token: token, Err: ErrRangeNotIncreasing}
		}
		result.InsertRange(floor, ceil)
	}

	return result, nil
}
