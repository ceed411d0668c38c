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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"k8s.io/klog"

	"github.com/cloudandheat/ch-k8s-pod-policy-index/internal/model"
)

type SnapshotGenerator interface {
	GenerateSnapshot(s *model.IndexSnapshot, out io.Writer) error
}

type JSONGenerator struct{}

func (g *JSONGenerator) GenerateSnapshot(s *model.IndexSnapshot, out io.Writer) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s)
}

// SnapshotFile keeps a local file in sync with the received snapshots, so
// that consumers on the node do not need to talk HTTP.
type SnapshotFile struct {
	Generator SnapshotGenerator
	Path      string
	// Executed after the file has changed. If it fails, the previous file
	// is restored.
	ReloadCommand []string
}

func (f *SnapshotFile) readCurrent() ([]byte, error) {
	current, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return current, err
}

func (f *SnapshotFile) Reload() error {
	if len(f.ReloadCommand) == 0 {
		return nil
	}
	klog.V(4).Infof("executing reload: %#v", f.ReloadCommand)
	return exec.Command(f.ReloadCommand[0], f.ReloadCommand[1:]...).Run()
}

// WriteWithRollback replaces the file if the rendered snapshot differs from
// its current content. It returns true if the file was replaced.
func (f *SnapshotFile) WriteWithRollback(s *model.IndexSnapshot) (bool, error) {
	rendered := &bytes.Buffer{}
	if err := f.Generator.GenerateSnapshot(s, rendered); err != nil {
		return false, err
	}

	current, err := f.readCurrent()
	if err != nil {
		return false, err
	}
	if current != nil && bytes.Equal(current, rendered.Bytes()) {
		klog.V(2).Infof("snapshot file %s had no changes, skipping reload", f.Path)
		return false, nil
	}

	fout, err := os.CreateTemp(filepath.Dir(f.Path), ".tmp-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(fout.Name())

	err = func() error {
		defer fout.Close()
		_, err := fout.Write(rendered.Bytes())
		return err
	}()
	if err != nil {
		return false, err
	}

	// all files in place, do the swappety swap
	if err := os.Rename(fout.Name(), f.Path); err != nil {
		return false, err
	}
	klog.V(1).Infof("updated snapshot file %s", f.Path)

	if err := f.Reload(); err != nil {
		f.restore(current)
		return false, err
	}
	return true, nil
}

func (f *SnapshotFile) restore(previous []byte) {
	var err error
	if previous == nil {
		// no previous file exists, we delete the new one
		err = os.Remove(f.Path)
	} else {
		err = os.WriteFile(f.Path, previous, 0o644)
	}
	if err != nil {
		klog.Warningf("failed to restore snapshot file %s: %s!", f.Path, err.Error())
	}
}
