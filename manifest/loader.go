// Copyright 2025 The Strata Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jellydator/ttlcache/v3"
	"gopkg.in/yaml.v3"

	"github.com/stratasec/strata/log"
)

const (
	remoteTTL     = 5 * time.Minute
	remoteTimeout = 30 * time.Second
)

// Loader fetches and decodes manifest documents from local paths and remote
// URLs. Remote responses are memoized so a URL included by several manifests
// is fetched once per run.
type Loader struct {
	client *resty.Client
	remote *ttlcache.Cache[string, []byte]
}

// NewLoader creates a Loader with a shared HTTP client and response cache.
func NewLoader() *Loader {
	return &Loader{
		client: resty.New().SetTimeout(remoteTimeout),
		remote: ttlcache.New(ttlcache.WithTTL[string, []byte](remoteTTL)),
	}
}

func isRemote(identifier string) bool {
	return strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://")
}

// canonicalize resolves a manifest reference into its canonical identifier.
// Relative references resolve against the including manifest's directory or
// URL; parent is empty for CLI-supplied roots.
func canonicalize(parent, ref string) (string, error) {
	if isRemote(ref) {
		u, err := url.Parse(ref)
		if err != nil {
			return "", FetchError{Identifier: ref, Err: err}
		}
		return u.String(), nil
	}

	if isRemote(parent) {
		base, err := url.Parse(parent)
		if err != nil {
			return "", FetchError{Identifier: parent, Err: err}
		}
		rel, err := url.Parse(ref)
		if err != nil {
			return "", FetchError{Identifier: ref, Err: err}
		}
		return base.ResolveReference(rel).String(), nil
	}

	if !filepath.IsAbs(ref) && parent != "" {
		ref = filepath.Join(filepath.Dir(parent), ref)
	}

	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", FetchError{Identifier: ref, Err: err}
	}
	return filepath.Clean(abs), nil
}

// fetch retrieves the raw bytes for a canonical identifier.
func (l *Loader) fetch(ctx context.Context, identifier string) ([]byte, error) {
	if !isRemote(identifier) {
		data, err := os.ReadFile(identifier)
		if err != nil {
			return nil, FetchError{Identifier: identifier, Err: err}
		}
		return data, nil
	}

	if item := l.remote.Get(identifier); item != nil {
		log.Debugf("(manifest) remote manifest cache hit: %s", identifier)
		return item.Value(), nil
	}

	resp, err := l.client.R().SetContext(ctx).Get(identifier)
	if err != nil {
		return nil, FetchError{Identifier: identifier, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, FetchError{Identifier: identifier, Err: fmt.Errorf("unexpected status %s", resp.Status())}
	}

	body := resp.Body()
	l.remote.Set(identifier, body, ttlcache.DefaultTTL)
	return body, nil
}

// decode unmarshals a document as YAML when the identifier carries a .yaml
// or .yml extension, JSON otherwise.
func decode(identifier string, data []byte, v interface{}) error {
	name := identifier
	if isRemote(identifier) {
		if u, err := url.Parse(identifier); err == nil {
			name = path.Base(u.Path)
		}
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return FetchError{Identifier: identifier, Err: err}
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return FetchError{Identifier: identifier, Err: err}
		}
	}
	return nil
}
