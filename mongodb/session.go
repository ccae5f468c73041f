// Package mongodb speaks the database's replica set administrative protocol.
// Sessions are request scoped: open one per reconciliation attempt and close
// it before the attempt returns.
package mongodb

import (
	"context"
	"strings"
	"time"

	"github.com/maxpert/quorumkeeper/replset"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Session issues administrative commands over one connection
type Session interface {
	// Status runs replSetGetStatus
	Status(ctx context.Context) (*Status, error)
	// Config reads the stored replica set configuration
	Config(ctx context.Context) (replset.Config, error)
	// Initiate forms a new replica set from cfg
	Initiate(ctx context.Context, cfg replset.Config) error
	// Reconfig submits the full target configuration
	Reconfig(ctx context.Context, cfg replset.Config) error
	// Close releases the underlying connection
	Close(ctx context.Context) error
}

// Dialer opens request-scoped sessions
type Dialer interface {
	// DialDirect connects to exactly one host, bypassing topology discovery
	DialDirect(ctx context.Context, host string) (Session, error)
	// DialReplicaSet connects to the primary reachable through hosts
	DialReplicaSet(ctx context.Context, name string, hosts []string) (Session, error)
}

// ClientOptions configures driver connections
type ClientOptions struct {
	Username       string
	Password       string
	AuthSource     string
	AppName        string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Client is the driver-backed Dialer
type Client struct {
	opts ClientOptions
}

// NewClient creates a driver-backed Dialer
func NewClient(opts ClientOptions) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.AppName == "" {
		opts.AppName = "quorumkeeper"
	}
	return &Client{opts: opts}
}

func (c *Client) clientOptions(hosts []string) *options.ClientOptions {
	o := options.Client().
		SetHosts(hosts).
		SetAppName(c.opts.AppName).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetServerSelectionTimeout(c.opts.ConnectTimeout).
		SetTimeout(c.opts.CommandTimeout).
		SetMaxPoolSize(1)

	if c.opts.Username != "" {
		source := c.opts.AuthSource
		if source == "" {
			source = "admin"
		}
		o.SetAuth(options.Credential{
			Username:   c.opts.Username,
			Password:   c.opts.Password,
			AuthSource: source,
		})
	}
	return o
}

// DialDirect implements Dialer
func (c *Client) DialDirect(ctx context.Context, host string) (Session, error) {
	o := c.clientOptions([]string{host}).SetDirect(true)
	return c.connect(ctx, []string{host}, o)
}

// DialReplicaSet implements Dialer
func (c *Client) DialReplicaSet(ctx context.Context, name string, hosts []string) (Session, error) {
	o := c.clientOptions(hosts).
		SetReplicaSet(name).
		SetReadPreference(readpref.Primary())
	return c.connect(ctx, hosts, o)
}

func (c *Client) connect(ctx context.Context, hosts []string, o *options.ClientOptions) (Session, error) {
	client, err := mongo.Connect(ctx, o)
	if err != nil {
		return nil, &DialError{Hosts: hosts, Err: err}
	}

	log.Debug().Str("hosts", joinHosts(hosts)).Msg("Opened database session")
	return &driverSession{client: client, hosts: hosts}, nil
}

type driverSession struct {
	client *mongo.Client
	hosts  []string
}

func (s *driverSession) admin() *mongo.Database {
	return s.client.Database("admin")
}

func (s *driverSession) Status(ctx context.Context) (*Status, error) {
	var status Status
	err := s.admin().RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *driverSession) Config(ctx context.Context) (replset.Config, error) {
	var reply configReply
	err := s.admin().RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&reply)
	if err != nil {
		return replset.Config{}, err
	}
	return reply.Config.toConfig(), nil
}

func (s *driverSession) Initiate(ctx context.Context, cfg replset.Config) error {
	doc := documentFromConfig(cfg)
	return s.admin().RunCommand(ctx, bson.D{{Key: "replSetInitiate", Value: doc}}).Err()
}

func (s *driverSession) Reconfig(ctx context.Context, cfg replset.Config) error {
	doc := documentFromConfig(cfg)
	return s.admin().RunCommand(ctx, bson.D{{Key: "replSetReconfig", Value: doc}}).Err()
}

func (s *driverSession) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func joinHosts(hosts []string) string {
	return strings.Join(hosts, ",")
}
