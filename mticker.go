package main

import (
	"sync"
	"time"
)

// mTicker fans one time.Ticker out to many listeners.
type mTicker struct {
	mux       sync.Mutex // Protects listeners
	listeners listeners

	tickerMux sync.Mutex // Used to sync start/stop
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopped   bool
	dropped   int
}

type listeners map[*tickListener]interface {
}

type tickListener struct {
	tick chan time.Time
}

// newMTicker creates and starts a ticker.
func newMTicker(interval time.Duration) *mTicker {
	t := &mTicker{
		listeners: make(listeners),
	}

	go func() {
		t.tickerMux.Lock()
		stopped := t.stopped

		if !stopped {
			t.stopCh = make(chan struct{}, 1)
			t.ticker = time.NewTicker(interval)
		}
		t.tickerMux.Unlock()

		if !stopped {
			t.run()
		}
	}()
	return t
}

// subscribe returns a listener whose channel receives ticks. Ticks the
// listener is not ready for are discarded.
func (t *mTicker) subscribe() *tickListener {
	t.mux.Lock()
	defer t.mux.Unlock()

	l := &tickListener{tick: make(chan time.Time, 1)}
	t.listeners[l] = nil
	return l
}

func (t *mTicker) unsubscribe(l *tickListener) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.listeners[l]; !ok {
		return
	}
	close(l.tick)
	delete(t.listeners, l)
}

// stop stops the ticker and closes every listener channel.
func (t *mTicker) stop() {
	t.tickerMux.Lock()
	defer t.tickerMux.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	if t.stopCh != nil {
		t.ticker.Stop()
		t.stopCh <- struct{}{}
	}

	t.mux.Lock()
	for l := range t.listeners {
		close(l.tick)
		delete(t.listeners, l)
	}
	t.mux.Unlock()
}

func (t *mTicker) run() {
	for {
		select {
		case tick := <-t.ticker.C:
			t.mux.Lock()
			for l := range t.listeners {
				select {
				case l.tick <- tick:
				default:
					t.dropped++
				}
			}
			t.mux.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
