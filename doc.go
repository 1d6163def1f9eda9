// Package handd runs a hand slot reservation service. A fixed pool of slots
// lives in a key-value store; clients reserve any free slot with a shared
// password, receive a token, and keep the lease alive by renewing it with
// that token until they release it. Slots whose holder stops renewing are
// freed by a background sweeper.
//
// # Running a server
//
//	cfg := handd.Config{
//	    Store:     "s3://minio:9000/hands/prod?insecure=true&path-style=true",
//	    Listen:    ":9361",
//	    Password:  os.Getenv("HANDD_PASSWORD"),
//	    SlotsFile: "/etc/handd/slots.yaml",
//	}
//	srv, err := handd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("handd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Store URLs
//
// OpenStore understands mem://, docstore+<gocloud url>, s3://, aws:// and
// azure:// URLs. The store offers no compare-and-swap; concurrent writers
// resolve last-write-wins and the reservation logic is written for that.
//
// # Clients
//
// The client package wraps the HTTP API and provides a heartbeat keeper that
// stops as soon as the lease is lost.
package handd
