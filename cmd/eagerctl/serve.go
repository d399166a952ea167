package main

import (
	"context"
	"fmt"

	client "github.com/23skdu/longbow-eager/internal/arrow_client"
	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/config"
	"github.com/23skdu/longbow-eager/internal/logger"
)

// serve runs the Flight rendezvous that FlightTransport clients reduce
// through.
func serve(ctx context.Context, cfg config.Config) error {
	addr := cfg.Collective.FlightAddr
	if addr == "" {
		addr = fmt.Sprintf("0.0.0.0:%d", client.PortReduce)
	}
	reducer := collective.NewFlightReducer(cfg.Collective.WatchdogTimeout)
	srv, err := client.NewServer(addr, reducer)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Log.Info("flight reducer shutting down", "pending", reducer.Pending())
	srv.Shutdown()
	return ctx.Err()
}
