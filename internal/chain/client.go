// Package chain wraps all interaction with the ledger: contract reads, signed
// state-changing calls, and the event log stream the engine ingests. Every
// exported call takes a context and returns an explicit error; nothing in
// this package panics on ledger failures.
package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Client bundles the HTTP RPC connection used for calls and transactions with
// an optional websocket connection used for live log subscriptions.
type Client struct {
	http *ethclient.Client
	ws   *ethclient.Client
}

// Dial connects to the ledger over HTTP RPC and, when wsURL is non-empty,
// over websocket as well. The websocket connection is required only for live
// subscriptions; backfill-only use can pass an empty wsURL.
func Dial(ctx context.Context, rpcURL, wsURL string) (*Client, error) {
	httpClient, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc %s: %w", rpcURL, err)
	}

	c := &Client{http: httpClient}

	if wsURL != "" {
		wsClient, err := ethclient.DialContext(ctx, wsURL)
		if err != nil {
			httpClient.Close()
			return nil, fmt.Errorf("chain: dial ws %s: %w", wsURL, err)
		}
		c.ws = wsClient
	}

	return c, nil
}

// HTTP returns the call/transaction connection.
func (c *Client) HTTP() *ethclient.Client {
	return c.http
}

// WS returns the subscription connection, or nil when none was dialed.
func (c *Client) WS() *ethclient.Client {
	return c.ws
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.http.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// Close tears down both connections.
func (c *Client) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}
