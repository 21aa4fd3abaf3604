package main

import (
	"context"
	"fmt"

	"github.com/threadline/syncclient/internal/rpctransport"
	"github.com/threadline/syncclient/internal/sdk"
)

// newClient builds an SdkClient whose Dialer opens a real rpctransport
// connection to the configured address, matching spec.md §4.8's
// "independent of the full ordered-application pipeline" scope: this CLI
// never constructs a syncengine.Engine or bucketstore.Store, only the
// thinner SdkClient.
func newClient() (*sdk.Client, error) {
	if flagAddr == "" {
		return nil, fmt.Errorf("no sync server address configured; pass --addr or set THREADLINE_DAEMON_HOST")
	}
	dial := func(ctx context.Context) (sdk.Caller, error) {
		return rpctransport.Dial(ctx, rpctransport.Config{
			Addr:          flagAddr,
			Token:         flagToken,
			ClientVersion: clientVersion,
			Layer:         wireLayer,
		})
	}
	return sdk.New(sdk.Config{
		Dial:     dial,
		StateDir: flagStateDir,
	}, nil), nil
}

// clientVersion and wireLayer are the connectionInit parameters this CLI
// announces to the server (spec.md §4.3).
const (
	clientVersion = "threadline-sync/0.1"
	wireLayer     = 1
)
