// Package client connects a local repository to a sync server.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"docsync/internal/repo"
	"docsync/internal/transport"
)

// ServerPeerID is the name the upstream server has in the local repository.
const ServerPeerID = "server"

// Client is one sync connection from a replica to its server.
type Client struct {
	repo *repo.Repo
	conn *transport.Conn
	done chan struct{}
}

// Dial opens a sync connection authenticated with token and pumps it in the
// background until Close or until the server goes away.
func Dial(ctx context.Context, url string, token string, r *repo.Repo, settings *transport.Settings) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		repo: r,
		conn: transport.NewConn(ServerPeerID, ws, settings),
		done: make(chan struct{}),
	}
	r.AddPeer(c.conn)
	go func() {
		defer close(c.done)
		c.conn.Run(context.WithoutCancel(ctx), r)
		glog.Infof("[client]disconnected from %s\n", url)
	}()
	glog.Infof("[client]connected to %s\n", url)
	return c, nil
}

// Request subscribes to a document and returns its local handle, which fills
// in as the server's changes arrive.
func (c *Client) Request(ctx context.Context, id repo.DocumentID) (*repo.DocHandle, error) {
	return c.repo.Request(ctx, ServerPeerID, id)
}

// WaitSynced blocks until the server has acknowledged every local change of
// the document.
func (c *Client) WaitSynced(ctx context.Context, h *repo.DocHandle) error {
	return c.repo.WaitSynced(ctx, ServerPeerID, h)
}

// WaitCaughtUp blocks until the server has answered for the document and its
// changes are applied locally.
func (c *Client) WaitCaughtUp(ctx context.Context, h *repo.DocHandle) error {
	return c.repo.WaitCaughtUp(ctx, ServerPeerID, h)
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.conn.Close()
	<-c.done
}
