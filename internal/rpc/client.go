package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"agentbank.org/internal/auth"
	"agentbank.org/internal/ledger"
	"agentbank.org/internal/processor"
)

// Client calls LedgerService. Request and response bodies are the ledger types.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// Dial creates a client. Without dial options the transport is insecure.
func Dial(target string, dialOpts []grpc.DialOption, opts ...ClientOption) (*Client, error) {
	if len(dialOpts) == 0 {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Conn exposes the connection, e.g. for the health client.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	var pairs []string
	if c.token != "" {
		pairs = append(pairs, authKey, "Bearer "+c.token)
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		pairs = append(pairs, actorKey, actor.ID)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func (c *Client) ProcessTransaction(ctx context.Context, ev ledger.Event) (processor.Result, error) {
	var res processor.Result
	err := c.invoke(ctx, "ProcessTransaction", ev, &res)
	return res, err
}

func (c *Client) ReverseTransaction(ctx context.Context, sourceModule, sourceTransactionID, reason string) (processor.ReversalResult, error) {
	var res processor.ReversalResult
	err := c.invoke(ctx, "ReverseTransaction", reverseRequest{
		SourceModule:        sourceModule,
		SourceTransactionID: sourceTransactionID,
		Reason:              reason,
	}, &res)
	return res, err
}

func (c *Client) PostJournal(ctx context.Context, req ledger.PostingRequest) (ledger.PostResult, error) {
	var res ledger.PostResult
	err := c.invoke(ctx, "PostJournal", req, &res)
	return res, err
}

func (c *Client) AdjustFloat(ctx context.Context, floatAccountID string, delta int64, cause string) (ledger.FloatMovement, error) {
	var m ledger.FloatMovement
	err := c.invoke(ctx, "AdjustFloat", adjustRequest{FloatAccountID: floatAccountID, Delta: delta, CauseReference: cause}, &m)
	return m, err
}

// TrialBalance requests the trial balance as of asOf; zero means now.
func (c *Client) TrialBalance(ctx context.Context, asOf time.Time) (ledger.TrialBalance, error) {
	req := map[string]any{}
	if !asOf.IsZero() {
		req["as_of"] = asOf.UTC().Format(time.RFC3339Nano)
	}
	var tb ledger.TrialBalance
	err := c.invoke(ctx, "GetTrialBalance", req, &tb)
	return tb, err
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
