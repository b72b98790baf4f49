// Package inference forwards client requests to model containers (or to a
// configured cloud endpoint) and accounts for streamed chat tokens.
package inference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/deploycache"
	"ttstudio/internal/registry"
)

var tracer = otel.Tracer("ttstudio/inference")

// Deployments is the read side of the deploy cache.
type Deployments interface {
	Get(id string) (deploycache.Record, bool)
	IDs() []string
	Spec(r deploycache.Record) (registry.ModelSpec, bool)
	EnsureFresh(ctx context.Context) error
}

// CloudTarget is an external endpoint used when a request names no deployment.
type CloudTarget struct {
	URL       string
	AuthToken string
	Model     string
}

// Options configures a Proxy.
type Options struct {
	Deployments Deployments
	// JWTSecret signs the bearer token sent to local containers.
	JWTSecret string
	Cloud     map[registry.ModelType]CloudTarget
	// Client is used for upstream calls; it must not set a Timeout because
	// chat streams are unbounded.
	Client       *http.Client
	PollInterval time.Duration
	// PollTimeout bounds how long task results are awaited.
	PollTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Proxy is safe for concurrent use; each request resolves its target once.
type Proxy struct {
	opts  Options
	token string
	log   zerolog.Logger
}

// Target is a resolved upstream endpoint.
type Target struct {
	// URL is the full service URL including scheme and route.
	URL string
	// Base is scheme://host:port, used for task status and result routes.
	Base     string
	Token    string
	Model    string
	DeployID string
	Spec     registry.ModelSpec
	Cloud    bool
}

// New signs the container token and returns a Proxy.
func New(opts Options) (*Proxy, error) {
	if strings.TrimSpace(opts.JWTSecret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	tok, err := SignToken(opts.JWTSecret)
	if err != nil {
		return nil, err
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Proxy{opts: opts, token: tok, log: opts.Logger.With().Str("component", "inference").Logger()}, nil
}

// SignToken signs the fixed container-auth claims with HS256.
func SignToken(secret string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"team_id":  "tenstorrent",
		"token_id": "debug-test",
	})
	s, err := t.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Token returns the bearer token sent to local containers.
func (p *Proxy) Token() string { return p.token }

// Resolve maps a deploy id to its upstream. An empty id selects the cloud
// endpoint configured for kind.
func (p *Proxy) Resolve(ctx context.Context, deployID string, kind registry.ModelType) (Target, error) {
	if strings.TrimSpace(deployID) == "" {
		c, ok := p.opts.Cloud[kind]
		if !ok || c.URL == "" {
			return Target{}, apierr.Validation("deploy_id is required: no cloud endpoint configured for "+string(kind), p.available(ctx))
		}
		return Target{URL: c.URL, Base: baseOf(c.URL), Token: c.AuthToken, Model: c.Model, Cloud: true}, nil
	}
	deps := p.opts.Deployments
	if deps == nil {
		return Target{}, apierr.Validation("no deployments available", []string{})
	}
	if err := deps.EnsureFresh(ctx); err != nil {
		p.log.Debug().Err(err).Msg("deploy cache refresh failed")
	}
	rec, ok := deps.Get(deployID)
	if !ok {
		return Target{}, &apierr.Error{Kind: apierr.KindValidation, Msg: fmt.Sprintf("deploy_id %q not found", deployID),
			Details: deps.IDs(), ContainerID: deployID}
	}
	spec, ok := deps.Spec(rec)
	if !ok {
		return Target{}, apierr.Validation(fmt.Sprintf("deploy_id %q has no model spec", deployID), deps.IDs())
	}
	model := spec.HFModelID
	if model == "" {
		model = spec.ModelName
	}
	url := "http://" + rec.InternalURL
	return Target{
		URL:      url,
		Base:     "http://" + strings.TrimSuffix(rec.InternalURL, spec.ServiceRoute),
		Token:    p.token,
		Model:    model,
		DeployID: deployID,
		Spec:     spec,
	}, nil
}

func (p *Proxy) available(ctx context.Context) []string {
	if p.opts.Deployments == nil {
		return []string{}
	}
	_ = p.opts.Deployments.EnsureFresh(ctx)
	return p.opts.Deployments.IDs()
}

// newRequest builds an upstream request carrying the bearer token and the
// trace context.
func newRequest(ctx context.Context, method, url, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

// baseOf returns scheme://host of u.
func baseOf(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
