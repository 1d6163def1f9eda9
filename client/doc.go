// Package client is the Go SDK for the handd HTTP API.
//
//	cli, err := client.New("http://127.0.0.1:9361", "s3cret")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lease, err := cli.Reserve(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	keeper := cli.KeepAlive(ctx, lease, 20*time.Second)
//	defer keeper.Release(context.Background())
//	// use lease.URLID until keeper.Done() closes
package client
