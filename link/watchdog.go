package link

import (
	"fmt"
	"time"

	"github.com/arloliu/go-link/internal/task"
)

// watchdogTick returns the keepalive task of sess, run every WatchdogTick
// while Connected.
//
// Loss is checked first: once nothing was received for LossThreshold the
// session is reported lost exactly once and the task ends. Otherwise a PING is
// sent when PingInterval elapsed since the last command. The send time is
// recorded before writing, so a failed write does not cause a faster retry.
func (c *Connection) watchdogTick(sess *session) task.Func {
	return func() bool {
		now := time.Now()
		sent, received := sess.timestamps()

		if silence := now.Sub(received); silence >= c.cfg.lossThreshold {
			c.declareLinkLost(sess, silence)
			return false
		}

		if now.Sub(sent) >= c.cfg.pingInterval {
			sess.markSent(now)

			if err := sess.transport.WriteLine(c.taskMgr.Context(), c.codec.Ping()); err != nil {
				c.logger.Warn("link: send PING failed", "error", err)
				return true
			}
			c.metrics.incPingSendCount()
		}

		return true
	}
}

// declareLinkLost reports the loss of sess and starts its teardown.
//
// The teardown runs in its own goroutine since it waits for the session tasks,
// this watchdog included, to return. It only proceeds if sess is still the
// Connected session once the session lock is acquired.
func (c *Connection) declareLinkLost(sess *session, silence time.Duration) {
	if !sess.lost.CompareAndSwap(false, true) {
		return
	}

	port := sess.candidate.PortName
	c.metrics.incLinkLostCount()
	c.logger.Warn("link: link lost", "port", port, "silence", silence, "threshold", c.cfg.lossThreshold)
	c.emitTerminal(fmt.Sprintf("Link lost on %s: no response for %v", port, silence.Truncate(time.Millisecond)))

	c.lossWg.Add(1)
	go func() {
		defer c.lossWg.Done()

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.sess.Load() != sess || c.State() != Connected {
			return
		}
		c.disconnectLocked(ErrLinkLost)
	}()
}
