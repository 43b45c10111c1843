// Package signals notifies long-lived tasks of process termination.
package signals

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Watch returns a channel which is closed when the process receives
// SIGINT, SIGTERM, or SIGQUIT. A second signal while draining is left
// to the runtime's default disposition.
func Watch() <-chan struct{} {
	var stop = make(chan struct{})
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		var sig = <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal")
		signal.Stop(sigCh)
		close(stop)
	}()

	return stop
}
