package main

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

type metrics struct {
	log  io.Writer
	reg  gometrics.Registry
	tick time.Duration
}

var m = &metrics{
	reg:  gometrics.NewRegistry(),
	tick: 60 * time.Second,
}

// startMetrics writes every metric as JSON through the logger each tick.
func startMetrics(tick time.Duration) {
	if tick > 0 {
		m.tick = tick
	}
	m.log = L().With().Str("source", "metrics").Logger()
	m.start()
}

func finalMetrics() {
	if m.log != nil {
		m.writeOnce()
	}
}

func incr(name string, i int64) {
	m.incr(name, i)
}

func decr(name string, i int64) {
	m.decr(name, i)
}

func mark(name string, i int64) {
	m.mark(name, i)
}

func counter(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

func (m *metrics) start() {
	go gometrics.WriteJSON(m.reg, m.tick, m.log)
}

func (m *metrics) writeOnce() {
	gometrics.WriteJSONOnce(m.reg, m.log)
}

func (m *metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m *metrics) mark(name string, i int64) {
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}
