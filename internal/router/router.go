// Package router classifies intercepted requests and picks the caching
// strategy and namespace that serve them.
package router

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"chatus/internal/core"
)

// Strategy is how a routed request is served.
type Strategy int

const (
	// Passthrough requests go straight to the origin, untouched and uncached.
	Passthrough Strategy = iota
	NetworkFirst
	StaleWhileRevalidate
	CacheFirst
	// Navigation is network-first with the offline document fallback chain.
	Navigation
	// CatchAll is network-first with predicate-gated caching and the image placeholder fallback.
	CatchAll
)

func (s Strategy) String() string {
	switch s {
	case Passthrough:
		return "passthrough"
	case NetworkFirst:
		return "network_first"
	case StaleWhileRevalidate:
		return "stale_while_revalidate"
	case CacheFirst:
		return "cache_first"
	case Navigation:
		return "navigation"
	case CatchAll:
		return "catch_all"
	default:
		return "unknown"
	}
}

// Bucket names the logical namespace a route reads and writes.
type Bucket int

const (
	BucketNone Bucket = iota
	BucketStatic
	BucketDynamic
)

func (b Bucket) String() string {
	switch b {
	case BucketStatic:
		return "static"
	case BucketDynamic:
		return "dynamic"
	default:
		return "none"
	}
}

// Route is the routing decision for one request.
type Route struct {
	Strategy Strategy
	Bucket   Bucket
	Category core.Category
}

// Config holds the classification patterns.
type Config struct {
	APIPrefix          string `yaml:"api_prefix" mapstructure:"api_prefix"`
	NextStaticPattern  string `yaml:"next_static_pattern" mapstructure:"next_static_pattern"`
	NextStaticDir      string `yaml:"next_static_dir" mapstructure:"next_static_dir"`
	HMRPrefix          string `yaml:"hmr_prefix" mapstructure:"hmr_prefix"`
	StaticAssetPattern string `yaml:"static_asset_pattern" mapstructure:"static_asset_pattern"`
	ImagePattern       string `yaml:"image_pattern" mapstructure:"image_pattern"`
}

// DefaultConfig returns the patterns of a Next.js ChatUs deployment.
func DefaultConfig() Config {
	return Config{
		APIPrefix:          "/api/",
		NextStaticPattern:  `^/_next/static/`,
		NextStaticDir:      "/_next/static",
		HMRPrefix:          "/_next/webpack-hmr",
		StaticAssetPattern: `\.(js|css|woff2?|ttf|eot)$`,
		ImagePattern:       `\.(png|jpe?g|gif|svg|webp|ico|avif)$`,
	}
}

// Rules is a compiled, immutable set of classification patterns.
type Rules struct {
	apiPrefix     string
	nextStaticDir string
	hmrPrefix     string
	nextStatic    *regexp.Regexp
	staticAsset   *regexp.Regexp
	image         *regexp.Regexp
}

// Compile validates cfg and compiles its patterns. Empty fields take their defaults.
func Compile(cfg Config) (*Rules, error) {
	def := DefaultConfig()
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = def.APIPrefix
	}
	if cfg.NextStaticPattern == "" {
		cfg.NextStaticPattern = def.NextStaticPattern
	}
	if cfg.NextStaticDir == "" {
		cfg.NextStaticDir = def.NextStaticDir
	}
	if cfg.HMRPrefix == "" {
		cfg.HMRPrefix = def.HMRPrefix
	}
	if cfg.StaticAssetPattern == "" {
		cfg.StaticAssetPattern = def.StaticAssetPattern
	}
	if cfg.ImagePattern == "" {
		cfg.ImagePattern = def.ImagePattern
	}

	nextStatic, err := regexp.Compile(cfg.NextStaticPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid next static pattern: %w", err)
	}
	staticAsset, err := regexp.Compile(cfg.StaticAssetPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid static asset pattern: %w", err)
	}
	image, err := regexp.Compile(cfg.ImagePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid image pattern: %w", err)
	}

	return &Rules{
		apiPrefix:     cfg.APIPrefix,
		nextStaticDir: cfg.NextStaticDir,
		hmrPrefix:     cfg.HMRPrefix,
		nextStatic:    nextStatic,
		staticAsset:   staticAsset,
		image:         image,
	}, nil
}

// Default returns the compiled default rules.
func Default() *Rules {
	r, err := Compile(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return r
}

// Classify derives the request category from its URL and headers.
func (r *Rules) Classify(req *core.Request) core.Category {
	path := req.Path()
	switch {
	case strings.HasPrefix(path, r.apiPrefix):
		return core.CategoryAPI
	case r.nextStatic.MatchString(path):
		return core.CategoryNextStatic
	case r.image.MatchString(path):
		return core.CategoryImage
	case r.staticAsset.MatchString(path):
		return core.CategoryAsset
	case req.IsNavigation():
		return core.CategoryNavigation
	default:
		return core.CategoryOther
	}
}

// IsPassthrough reports whether the request must bypass the controller:
// non-GET methods, websocket upgrades and the dev server's HMR channel.
func (r *Rules) IsPassthrough(req *core.Request) bool {
	if req.Method != http.MethodGet {
		return true
	}
	if req.URL.Scheme == "ws" || req.URL.Scheme == "wss" {
		return true
	}
	if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return strings.HasPrefix(req.Path(), r.hmrPrefix)
}

// Route picks the strategy for req. The first matching rule wins.
func (r *Rules) Route(req *core.Request) Route {
	cat := r.Classify(req)
	if r.IsPassthrough(req) {
		return Route{Strategy: Passthrough, Category: cat}
	}
	switch cat {
	case core.CategoryAPI:
		return Route{Strategy: NetworkFirst, Bucket: BucketDynamic, Category: cat}
	case core.CategoryNextStatic:
		return Route{Strategy: StaleWhileRevalidate, Bucket: BucketStatic, Category: cat}
	case core.CategoryImage, core.CategoryAsset:
		return Route{Strategy: CacheFirst, Bucket: BucketStatic, Category: cat}
	case core.CategoryNavigation:
		return Route{Strategy: Navigation, Bucket: BucketDynamic, Category: cat}
	default:
		return Route{Strategy: CatchAll, Bucket: BucketDynamic, Category: cat}
	}
}

// ShouldCache is the catch-all caching predicate: the path lies under the
// framework's static directory or looks like an image or static asset.
func (r *Rules) ShouldCache(req *core.Request) bool {
	path := req.Path()
	return strings.Contains(path, r.nextStaticDir) ||
		r.image.MatchString(path) ||
		r.staticAsset.MatchString(path)
}

// WantsImage reports whether a failed request should get the image placeholder.
func (r *Rules) WantsImage(req *core.Request) bool {
	return r.image.MatchString(req.Path()) || req.IsImageDestination()
}
