package mysql_factory

import (
	"context"
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"gfx.cafe/gfx/txpool/lib/factories"
	"gfx.cafe/gfx/txpool/lib/pool"
)

const DefaultCommandTimeout = 5 * time.Second

func init() {
	caddy.RegisterModule((*Factory)(nil))
}

type Config struct {
	// DSN is a go-sql-driver data source name. The subject overrides the user and password, the descriptor adds
	// connection parameters.
	DSN string `json:"dsn"`
	// CommandTimeout bounds cleanup and validation
	CommandTimeout caddy.Duration `json:"command_timeout,omitempty"`
}

type Factory struct {
	Config

	config *mysql.Config
	log    *zap.Logger
}

func (*Factory) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID: "txpool.factories.mysql",
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
	T.config, err = mysql.ParseDSN(T.DSN)
	if err != nil {
		return fmt.Errorf("parsing dsn: %w", err)
	}
	if T.CommandTimeout <= 0 {
		T.CommandTimeout = caddy.Duration(DefaultCommandTimeout)
	}
	return nil
}

func (T *Factory) connConfig(subject pool.Subject, desc pool.Descriptor) (*mysql.Config, error) {
	creds, err := factories.Credentials(subject)
	if err != nil {
		return nil, err
	}
	params, err := factories.Params(desc)
	if err != nil {
		return nil, err
	}

	config := T.config.Clone()
	if creds != nil {
		config.User = creds.Principal
		password, err := creds.Password()
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", creds.Principal, err)
		}
		config.Passwd = password
	}
	if params != nil {
		if config.Params == nil {
			config.Params = make(map[string]string, params.Len())
		}
		for _, param := range params.Params() {
			config.Params[param.Key] = param.Value
		}
	}
	return config, nil
}

func (T *Factory) Create(ctx context.Context, subject pool.Subject, desc pool.Descriptor) (pool.Resource, error) {
	config, err := T.connConfig(subject, desc)
	if err != nil {
		return nil, err
	}

	connector, err := mysql.NewConnector(config)
	if err != nil {
		return nil, err
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	T.log.Debug("connected",
		zap.String("addr", config.Addr),
		zap.String("user", config.User),
		zap.String("database", config.DBName),
	)

	return &Conn{
		conn:    conn,
		subject: subject,
		desc:    desc,
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
		if err := c.validate(ctx); err != nil {
			T.log.Debug("connection failed validation", zap.Error(err))
			invalid = append(invalid, r)
		}
	}
	return invalid, nil
}

var _ factories.Factory = (*Factory)(nil)
var _ pool.Validator = (*Factory)(nil)
var _ caddy.Provisioner = (*Factory)(nil)

