/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package deploy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Reader produces the deployable catalog.
type Reader interface {
	Read() ([]App, error)
}

// FileReader reads the catalog from a JSON file on every call, so
// catalog edits apply to new jobs without a restart. In-flight jobs
// keep the snapshot frozen at creation.
type FileReader struct {
	// Path to the deployables file.
	Path string
}

// Read loads and decodes the catalog file.
func (r FileReader) Read() ([]App, error) {
	b, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r.Path, err)
	}
	var apps []App
	if err := json.Unmarshal(b, &apps); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", r.Path, err)
	}
	return apps, nil
}

// StaticReader serves a fixed catalog. Useful in tests.
type StaticReader []App

// Read returns the catalog as-is.
func (r StaticReader) Read() ([]App, error) {
	return r, nil
}
