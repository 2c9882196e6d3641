package clients

import (
	"context"
	"sort"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/clients/facebook"
	"crosspost/infrastructure/clients/tiktok"
	"crosspost/infrastructure/clients/youtube"
	"crosspost/infrastructure/configuration"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/transfer"

	"golang.org/x/time/rate"
)

// Deps are the shared services adapters are built with.
type Deps struct {
	Blobs      repository.IObjectReader
	Engine     *transfer.Engine
	PresignTTL time.Duration
	ChunkSize  int64
}

// Registry is the fixed table of compiled-in destination adapters, built
// once at startup.
type Registry struct {
	adapters map[model.DestinationType]repository.IDestination
	limiters map[model.DestinationType]*rate.Limiter
}

// NewRegistry builds an adapter for every enabled destination in cfgs.
// Destinations without a compiled-in adapter are skipped.
func NewRegistry(cfgs map[string]configuration.Destination, deps Deps) *Registry {
	r := &Registry{
		adapters: map[model.DestinationType]repository.IDestination{},
		limiters: map[model.DestinationType]*rate.Limiter{},
	}
	for name, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		var adapter repository.IDestination
		switch model.DestinationType(name) {
		case model.DestinationYouTube:
			adapter = youtube.NewYouTubeClient(youtube.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURI,
				Scopes:       cfg.Scopes,
				APIBaseURL:   cfg.APIBaseURL,
				AuthBaseURL:  cfg.AuthBaseURL,
				ChunkSize:    int(deps.ChunkSize),
			}, deps.Blobs)
		case model.DestinationFacebook:
			adapter = facebook.NewFacebookClient(facebook.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURI:  cfg.RedirectURI,
				Scopes:       cfg.Scopes,
				GraphBaseURL: cfg.APIBaseURL,
				DialogURL:    cfg.AuthBaseURL,
				PresignTTL:   deps.PresignTTL,
			}, deps.Blobs)
		case model.DestinationTikTok:
			adapter = tiktok.NewTikTokClient(tiktok.Config{
				ClientKey:     cfg.ClientID,
				ClientSecret:  cfg.ClientSecret,
				RedirectURI:   cfg.RedirectURI,
				Scopes:        cfg.Scopes,
				APIBaseURL:    cfg.APIBaseURL,
				AuthURL:       cfg.AuthBaseURL,
				WebhookSecret: cfg.WebhookSecret,
			}, deps.Blobs, deps.Engine)
		default:
			logger.GetLogger().WithField("destination", name).Warn("no adapter compiled in for destination, skipping")
			continue
		}
		r.register(adapter, cfg.RateLimitPerSecond, cfg.Burst)
	}
	logger.GetLogger().WithField("destinations", r.Types()).Info("destination registry ready")
	return r
}

// NewStaticRegistry wraps ready-made adapters without rate limits.
func NewStaticRegistry(adapters ...repository.IDestination) *Registry {
	r := &Registry{
		adapters: map[model.DestinationType]repository.IDestination{},
		limiters: map[model.DestinationType]*rate.Limiter{},
	}
	for _, a := range adapters {
		r.register(a, 0, 0)
	}
	return r
}

func (r *Registry) register(adapter repository.IDestination, perSecond float64, burst int) {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	r.adapters[adapter.Type()] = adapter
	r.limiters[adapter.Type()] = rate.NewLimiter(limit, burst)
}

func (r *Registry) Get(destination model.DestinationType) (repository.IDestination, bool) {
	a, ok := r.adapters[destination]
	return a, ok
}

func (r *Registry) Webhook(destination model.DestinationType) (repository.IWebhookReceiver, bool) {
	a, ok := r.adapters[destination]
	if !ok {
		return nil, false
	}
	w, ok := a.(repository.IWebhookReceiver)
	return w, ok
}

func (r *Registry) Wait(ctx context.Context, destination model.DestinationType) error {
	l, ok := r.limiters[destination]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// Types lists the registered destinations in name order.
func (r *Registry) Types() []model.DestinationType {
	out := make([]model.DestinationType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ repository.IDestinationRegistry = (*Registry)(nil)
