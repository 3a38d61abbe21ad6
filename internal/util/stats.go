package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide pairing counter.
var Stats = &stats{}

type stats struct {
	Matches  atomic.Int64 // pairings that reached the connected state
	Skips    atomic.Int64 // pairings abandoned by skip or transport failure
	ChatSent atomic.Int64 // chat lines sent
	ChatRecv atomic.Int64 // chat lines received
}

func (s *stats) AddMatch()    { s.Matches.Add(1) }
func (s *stats) AddSkip()     { s.Skips.Add(1) }
func (s *stats) AddChatSent() { s.ChatSent.Add(1) }
func (s *stats) AddChatRecv() { s.ChatRecv.Add(1) }

// StartStatsReporter launches a goroutine that logs session statistics
// every 30 seconds, skipping idle intervals. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevMatches, prevSkips, prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				matches := Stats.Matches.Load()
				skips := Stats.Skips.Load()
				sent := Stats.ChatSent.Load()
				recv := Stats.ChatRecv.Load()

				if matches != prevMatches || skips != prevSkips || sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"Matches: %d | Skips: %d | Chat: %d↑ %d↓",
						matches, skips, sent, recv))
				}

				prevMatches = matches
				prevSkips = skips
				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}
