package pgx_factory

import (
	"context"
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/factories"
	"gfx.cafe/gfx/txpool/lib/pool"
)

const (
	DefaultResetQuery     = "DISCARD ALL"
	DefaultCommandTimeout = 5 * time.Second
)

const txStatusIdle byte = 'I'

func init() {
	caddy.RegisterModule((*Factory)(nil))
}

type Config struct {
	// DSN is a postgres connection string or URL. The subject and descriptor override its user, password and runtime
	// parameters.
	DSN string `json:"dsn"`
	// ResetQuery runs on every cleanup. "-" = none
	ResetQuery string `json:"reset_query,omitempty"`
	// CommandTimeout bounds cleanup, validation and close
	CommandTimeout caddy.Duration `json:"command_timeout,omitempty"`
}

type Factory struct {
	Config

	config *pgx.ConnConfig
	log    *zap.Logger
}

func (*Factory) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID: "txpool.factories.pgx",
		New: func() caddy.Module {
			return new(Factory)
		},
	}
}

func (T *Factory) Provision(ctx caddy.Context) error {
	T.log = ctx.Logger(T)
	return T.parse()
}

func (T *Factory) parse() error {
	if T.log == nil {
		T.log = zap.NewNop()
	}

	var err error
	T.config, err = pgx.ParseConfig(T.DSN)
	if err != nil {
		return fmt.Errorf("parsing dsn: %w", err)
	}

	switch T.ResetQuery {
	case "":
		T.ResetQuery = DefaultResetQuery
	case "-":
		T.ResetQuery = ""
	}
	if T.CommandTimeout <= 0 {
		T.CommandTimeout = caddy.Duration(DefaultCommandTimeout)
	}
	return nil
}

// connConfig returns the base config with the subject's credentials and the descriptor's runtime parameters applied.
func (T *Factory) connConfig(subject pool.Subject, desc pool.Descriptor) (*pgx.ConnConfig, error) {
	creds, err := factories.Credentials(subject)
	if err != nil {
		return nil, err
	}
	params, err := factories.Params(desc)
	if err != nil {
		return nil, err
	}

	config := T.config.Copy()
	if creds != nil {
		config.User = creds.Principal
		password, err := creds.Password()
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", creds.Principal, err)
		}
		config.Password = password
	}
	if params != nil {
		if config.RuntimeParams == nil {
			config.RuntimeParams = make(map[string]string, params.Len())
		}
		for _, param := range params.Params() {
			config.RuntimeParams[param.Key] = param.Value
		}
	}
	return config, nil
}

func (T *Factory) Create(ctx context.Context, subject pool.Subject, desc pool.Descriptor) (pool.Resource, error) {
	config, err := T.connConfig(subject, desc)
	if err != nil {
		return nil, err
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	T.log.Debug("connected",
		zap.String("host", config.Host),
		zap.String("user", config.User),
		zap.String("database", config.Database),
		zap.Uint32("pid", conn.PgConn().PID()),
	)

	return &Conn{
		conn:    conn,
		subject: subject,
		desc:    desc,
		reset:   T.ResetQuery,
		timeout: time.Duration(T.CommandTimeout),
	}, nil
}

func (T *Factory) Match(candidates []pool.Resource, subject pool.Subject, desc pool.Descriptor) (pool.Resource, error) {
	return factories.Match(candidates, subject, desc)
}

func (T *Factory) InvalidResources(ctx context.Context, resources []pool.Resource) ([]pool.Resource, error) {
	var invalid []pool.Resource
	for _, r := range resources {
		c, ok := r.(*Conn)
		if !ok {
			return nil, fmt.Errorf("unexpected resource %T", r)
		}
		if err := c.ping(ctx); err != nil {
			T.log.Debug("connection failed validation", zap.Uint32("pid", c.conn.PgConn().PID()), zap.Error(err))
			invalid = append(invalid, r)
		}
	}
	return invalid, nil
}

var _ factories.Factory = (*Factory)(nil)
var _ pool.Validator = (*Factory)(nil)
var _ caddy.Provisioner = (*Factory)(nil)
