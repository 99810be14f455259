/*
Copyright 2024 Mailgun Technologies Inc

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

package policygate

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/OneOfOne/xxhash"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ResourceReference describes where the resource for a request comes from.
// Implemented by StaticResource, SingleURL and MessageURL.
type ResourceReference interface {
	resourceReference()
}

// StaticResource is content configured inline. It is compiled once when the
// getter is created.
type StaticResource struct {
	Content     []byte
	ContentType string
}

// SingleURL is a URL template; `${name}` is replaced with the variable of the
// same name before each download.
type SingleURL struct {
	URL string
}

// MessageURL discovers the URL in the message being processed.
type MessageURL struct {
	Extractor URLExtractor
	// Resolve to NoResource instead of failing when the message references
	// no URL.
	AllowNoURL bool
}

func (StaticResource) resourceReference() {}
func (SingleURL) resourceReference()      {}
func (MessageURL) resourceReference()     {}

type noResource struct{}

// NoResource is returned by Resolve() when a MessageURL reference permits
// messages without a URL and none was found.
var NoResource Artifact = noResource{}

type GetterConfig struct {
	// (Required) Where the resource comes from
	Reference ResourceReference

	// (Required) Cache through which URL backed resources are resolved and
	// static resources are registered.
	Cache *ObjectCache

	// (Required for StaticResource) Compiles static content
	Compiler Compiler

	// (Optional) Regular expressions a URL must fully match to be downloaded.
	// When empty every SingleURL is permitted and every MessageURL is rejected.
	Whitelist []string

	// (Optional) Version hint passed to the Compiler for static content
	Hint string

	// (Optional) Wait mode used with the cache. Default: the cache's mode
	WaitMode WaitMode

	// (Optional) A Logger which implements the declared logger interface (typically *logrus.Entry)
	Logger logrus.FieldLogger
}

// ResourceGetter resolves the ResourceReference of a single policy into a
// compiled artifact for each request.
type ResourceGetter struct {
	conf      GetterConfig
	log       logrus.FieldLogger
	whitelist []*regexp.Regexp
	staticKey string
	static    Artifact
}

func NewResourceGetter(ctx context.Context, conf GetterConfig) (*ResourceGetter, error) {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "resource-getter"))

	if conf.Cache == nil {
		return nil, errors.New("GetterConfig.Cache is required")
	}

	g := &ResourceGetter{conf: conf, log: conf.Logger}
	for _, p := range conf.Whitelist {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, errors.Wrapf(err, "invalid whitelist pattern '%s'", p)
		}
		g.whitelist = append(g.whitelist, re)
	}

	switch ref := conf.Reference.(type) {
	case StaticResource:
		if conf.Compiler == nil {
			return nil, errors.New("GetterConfig.Compiler is required for static resources")
		}
		g.staticKey = StaticKey(ref, conf.Hint)
		art, err := conf.Compiler.Compile(ctx, Source{
			Locator:     g.staticKey,
			Body:        ref.Content,
			ContentType: ref.ContentType,
			Hint:        conf.Hint,
		})
		if err != nil {
			return nil, newResourceError(KindResourceParse, g.staticKey, err)
		}
		g.static = art
		conf.Cache.Register(g.staticKey, art)
	case SingleURL:
		if ref.URL == "" {
			return nil, errors.New("SingleURL requires a URL")
		}
	case MessageURL:
		if ref.Extractor == nil {
			return nil, errors.New("MessageURL requires an Extractor")
		}
	default:
		return nil, errors.Errorf("unsupported resource reference %T", conf.Reference)
	}
	return g, nil
}

// StaticKey returns the cache key under which static content is registered.
// Content compiled with a different hint or content type gets its own key.
func StaticKey(ref StaticResource, hint string) string {
	h := xxhash.New64()
	_, _ = h.Write([]byte(hint))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ref.ContentType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(ref.Content)
	return fmt.Sprintf("static:%016x", h.Sum64())
}

// Resolve returns the artifact for this request. msg is the message being
// processed and vars supplies values for URL templates.
func (g *ResourceGetter) Resolve(ctx context.Context, msg []byte, vars map[string]string) (_ Artifact, err error) {
	ctx = tracing.StartNamedScopeDebug(ctx, "ResourceGetter.Resolve")
	defer func() { tracing.EndScope(ctx, err) }()

	switch ref := g.conf.Reference.(type) {
	case StaticResource:
		// Never the registered artifact, another getter may have replaced it
		return g.static, nil
	case SingleURL:
		u := interpolate(ref.URL, vars)
		if err := checkURL(u); err != nil {
			return nil, err
		}
		if len(g.whitelist) != 0 && !g.permitted(u) {
			g.log.WithField("url", u).Debug("url rejected by whitelist")
			return nil, newResourceError(KindUrlNotPermitted, u, nil)
		}
		return g.get(ctx, u)
	case MessageURL:
		urls, err := ref.Extractor.ExtractURLs(msg)
		if err != nil {
			return nil, newResourceError(KindInvalidMessage, "", err)
		}
		urls = distinct(urls)
		switch len(urls) {
		case 0:
			if ref.AllowNoURL {
				return NoResource, nil
			}
			return nil, newResourceError(KindUrlNotFound, "", errors.New("message does not reference a resource"))
		case 1:
		default:
			return nil, newResourceError(KindMalformedResourceUrl, "",
				errors.Errorf("message references %d distinct resources where one is expected", len(urls)))
		}
		if err := checkURL(urls[0]); err != nil {
			return nil, err
		}
		if !g.permitted(urls[0]) {
			g.log.WithField("url", urls[0]).Debug("url rejected by whitelist")
			return nil, newResourceError(KindUrlNotPermitted, urls[0], nil)
		}
		return g.get(ctx, urls[0])
	}
	return nil, errors.Errorf("unsupported resource reference %T", g.conf.Reference)
}

// Close releases the registration of static content
func (g *ResourceGetter) Close() error {
	if g.staticKey != "" {
		g.conf.Cache.Unregister(g.staticKey)
	}
	return nil
}

func (g *ResourceGetter) get(ctx context.Context, u string) (Artifact, error) {
	art, err := g.conf.Cache.Get(ctx, u, g.conf.WaitMode)
	if err == nil {
		return art, nil
	}

	var ce *CompileError
	if errors.As(err, &ce) {
		return nil, newResourceError(KindResourceParse, u, err)
	}
	return nil, newResourceError(KindResourceIO, u, err)
}

func (g *ResourceGetter) permitted(u string) bool {
	for _, re := range g.whitelist {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

func checkURL(u string) error {
	parsed, err := url.Parse(u)
	if err != nil {
		return newResourceError(KindMalformedResourceUrl, u, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return newResourceError(KindMalformedResourceUrl, u, errors.New("expected an absolute http or https URL"))
	}
	return nil
}

var templateVar = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolate replaces `${name}` with vars[name]. Unknown variables are
// replaced with an empty string.
func interpolate(s string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		return vars[m[2:len(m)-1]]
	})
}

func distinct(urls []string) []string {
	if len(urls) < 2 {
		return urls
	}
	seen := make(map[string]struct{}, len(urls))
	var out []string
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
