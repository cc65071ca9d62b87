package server

import (
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Cron calls doCron(), which ticks in the background and used to write stats, expire idle sessions, etc.
type Cron struct {
	stopFlag bool
	signals  chan os.Signal

	cipherDropServer *CipherDropServer
}

func MakeCron(cipherDropServer *CipherDropServer) (*Cron, error) {
	return &Cron{
		cipherDropServer: cipherDropServer,
	}, nil
}

func (c *Cron) doCron() {
	const cronTickInterval = 30 * time.Second
	// dead chunk dirs are cheap, sweep them rarely
	const uploadSweepEveryNthTick = 10

	tick := 0
	for !c.stopFlag {
		cronStartTime := time.Now()

		c.cipherDropServer.Sessions.DeleteExpiredSessions()
		c.cipherDropServer.Storage.SweepOrphans(c.cipherDropServer.Sessions.LiveCodes())
		tick++
		if tick%uploadSweepEveryNthTick == 0 {
			c.cipherDropServer.Uploads.DeleteExpiredUploads()
		}
		c.cipherDropServer.Stats.SendToStatsd(c.cipherDropServer)

		sleepTime := cronTickInterval - time.Since(cronStartTime)
		if sleepTime <= 0 {
			sleepTime = time.Nanosecond
		}
		for sleepTime > 0 {
			select {
			case sig := <-c.signals:
				logServer.Info(0, "got signal", sig)
				if false { //sig == syscall.SIGUSR1 {
					if err := logServer.RotateLogFile(); err != nil {
						logServer.Error("could not rotate log file", err)
					} else {
						logServer.Info(0, "log file rotated")
					}
				} else if sig == syscall.SIGTERM {
					go c.cipherDropServer.QuitServerGracefully()
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
	// signal.Notify(c.signals, syscall.SIGUSR1, syscall.SIGTERM)
	signal.Notify(c.signals, syscall.SIGTERM)
	c.doCron()
}

func (c *Cron) StopCron() {
	c.stopFlag = true
	// don't wait here; doCron() is now sleeping, it won't prevent process from exiting
}
