package server

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Cron ticks in the background, flushing stats and sweeping the blob/obj
// caches back to their soft limit.
type Cron struct {
	stopFlag bool
	signals  chan os.Signal

	server *RemoteCompileServer
}

func MakeCron(server *RemoteCompileServer) (*Cron, error) {
	return &Cron{
		server: server,
	}, nil
}

func (c *Cron) doCron() {
	const cronTickInterval = 5 * time.Second

	for !c.stopFlag {
		cronStartTime := time.Now()

		c.server.Stats.SendToStatsd(c.server)
		c.server.Blobs.PurgeLastElementsIfRequired()
		c.server.Objs.PurgeLastElementsIfRequired()

		sleepTime := cronTickInterval - time.Since(cronStartTime)
		if sleepTime <= 0 {
			sleepTime = time.Nanosecond
		}
		for sleepTime > 0 {
			select {
			case sig := <-c.signals:
				logServer.Info(0, "got signal", sig)
				if sig == syscall.SIGTERM {
					go c.server.QuitServerGracefully()
				}
			case <-time.After(sleepTime):
				break
			}
			sleepTime = cronTickInterval - time.Since(cronStartTime)
		}
	}
}

func (c *Cron) StartCron() {
	c.signals = make(chan os.Signal, 2)
	signal.Notify(c.signals, syscall.SIGTERM)
	c.doCron()
}

func (c *Cron) StopCron() {
	c.stopFlag = true
	// don't wait here; doCron() is now sleeping, it won't prevent process from exiting
}
