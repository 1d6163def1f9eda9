// Package inprocess runs a handd server on a loopback port inside the
// calling process and hands back a client bound to it.
package inprocess

import (
	"context"
	"sync"

	"pkt.systems/handd"
	"pkt.systems/handd/client"
)

// Client is a client.Client backed by an embedded server.
type Client struct {
	*client.Client
	server    *handd.Server
	stop      func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// New starts a server for cfg on 127.0.0.1 and returns a client using
// cfg.Password. Listen is forced to a loopback ephemeral port when empty.
// Example:
//
//	inproc, err := inprocess.New(ctx, handd.Config{Store: "mem://", Password: "p", SlotsFile: "slots.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg handd.Config, opts ...handd.Option) (*Client, error) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, stop, err := handd.StartServer(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	cli, err := client.New("http://"+srv.ListenerAddr().String(), cfg.Password)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &Client{Client: cli, server: srv, stop: stop}, nil
}

// Server exposes the embedded server.
func (c *Client) Server() *handd.Server {
	return c.server
}

// Close stops the embedded server.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stop(ctx)
	})
	return c.closeErr
}
